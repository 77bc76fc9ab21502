package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/dmitrijs2005/notesync/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(context.Background(), storage.NewMemory())
	require.NoError(t, err)
	require.NoError(t, v.SetMasterSecret(context.Background(), []byte("test secret")))
	return v
}

func TestProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := New("googledrive", newVault(t), WithDisplay("Google Drive (Mock)", "G"))

	assert.False(t, p.IsAuthenticated(ctx))
	_, err := p.CreateApplicationFolder(ctx)
	assert.ErrorIs(t, err, faults.ErrAuthentication)

	res, err := p.Authenticate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.AccessToken)
	assert.True(t, p.IsAuthenticated(ctx))

	folder, err := p.CreateApplicationFolder(ctx)
	require.NoError(t, err)
	again, err := p.CreateApplicationFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, folder, again, "folder is located, not duplicated")

	f, err := p.UploadFile(ctx, folder, "trip-plan", "# Trip Plan")
	require.NoError(t, err)
	assert.Equal(t, "trip-plan.md", f.Name)
	assert.Equal(t, int64(len("# Trip Plan")), f.Size)

	files, err := p.ListFiles(ctx, folder)
	require.NoError(t, err)
	require.Len(t, files, 1)

	content, err := p.DownloadFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Trip Plan", content)

	_, err = p.UpdateFile(ctx, f.ID, "changed")
	require.NoError(t, err)
	got, _ := p.Content(f.ID)
	assert.Equal(t, "changed", got)

	require.NoError(t, p.DeleteFile(ctx, f.ID))
	assert.ErrorIs(t, p.DeleteFile(ctx, f.ID), faults.ErrNotFound)
	_, err = p.DownloadFile(ctx, f.ID)
	assert.ErrorIs(t, err, faults.ErrNotFound)

	require.NoError(t, p.Disconnect(ctx))
	assert.False(t, p.IsAuthenticated(ctx))
	require.NoError(t, p.Disconnect(ctx))
}

func TestProvider_AuthenticateLockedVault(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	v.Lock()
	p := New("googledrive", v)

	res, err := p.Authenticate(ctx)
	assert.ErrorIs(t, err, faults.ErrAuthentication)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestProvider_FailureInjection(t *testing.T) {
	ctx := context.Background()
	p := New("googledrive", newVault(t))
	_, err := p.Authenticate(ctx)
	require.NoError(t, err)

	boom := errors.New("Mock network error")
	p.FailNext(OpList, boom, boom)

	_, err = p.ListFiles(ctx, "f")
	assert.ErrorIs(t, err, boom)
	_, err = p.ListFiles(ctx, "f")
	assert.ErrorIs(t, err, boom)
	_, err = p.ListFiles(ctx, "f")
	assert.NoError(t, err)
	assert.Equal(t, 3, p.Calls(OpList))
}

func TestProvider_RemoteEdits(t *testing.T) {
	p := New("googledrive", newVault(t))
	f := p.PutRemote("folder", "other.md", "from elsewhere")
	assert.True(t, p.SetRemoteContent(f.ID, "edited elsewhere"))
	assert.False(t, p.SetRemoteContent("missing", "x"))

	got, ok := p.Content(f.ID)
	assert.True(t, ok)
	assert.Equal(t, "edited elsewhere", got)
}
