package vault

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newUnlocked(t *testing.T) (*Vault, *storage.Memory) {
	t.Helper()
	kv := storage.NewMemory()
	v, err := New(context.Background(), kv, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, v.SetMasterSecret(context.Background(), []byte("correct horse")))
	return v, kv
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()

	v, err := New(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, v.State())
	assert.False(t, v.HasSecret())

	_, err = v.Unlock(ctx, []byte("whatever1"))
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.ErrorIs(t, v.Save(ctx, Credentials{Provider: "p"}), ErrNoSecret)

	assert.ErrorIs(t, v.SetMasterSecret(ctx, []byte("short")), ErrWeakSecret)
	require.NoError(t, v.SetMasterSecret(ctx, []byte("long enough")))
	assert.Equal(t, Unlocked, v.State())

	v.Lock()
	assert.Equal(t, Locked, v.State())
	assert.True(t, v.HasSecret())
	assert.ErrorIs(t, v.Save(ctx, Credentials{Provider: "p"}), ErrLocked)
	_, err = v.Get(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrLocked)

	ok, err := v.Unlock(ctx, []byte("wrong secret"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Locked, v.State())

	ok, err = v.Unlock(ctx, []byte("long enough"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Unlocked, v.State())

	reopened, err := New(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, Locked, reopened.State())
}

func TestSaveGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := newUnlocked(t)

	exp := now.Add(time.Hour)
	in := Credentials{
		Provider:     "googledrive",
		AccessToken:  "access",
		RefreshToken: ptr("refresh"),
		ExpiresAt:    &exp,
		Scope:        []string{"drive.file"},
		UserID:       ptr("alice"),
	}
	require.NoError(t, v.Save(ctx, in))

	got, err := v.Get(ctx, "googledrive", ptr("alice"))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	got, err = v.Get(ctx, "googledrive", nil)
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
}

func TestGet_WrongSecretFails(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "t"}))

	// A second vault over the same data, initialized with a different secret,
	// must not return garbage.
	other, err := New(ctx, storage.NewMemory())
	require.NoError(t, err)
	require.NoError(t, other.SetMasterSecret(ctx, []byte("another secret")))
	raw, err := kv.Get(ctx, CredentialsKey)
	require.NoError(t, err)
	require.NoError(t, other.kv.Set(ctx, CredentialsKey, raw))

	_, err = other.Get(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSave_UpsertsPerProviderAndUser(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)

	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "one"}))
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "two"}))
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "empty-user", UserID: ptr("")}))

	raw, err := kv.Get(ctx, CredentialsKey)
	require.NoError(t, err)
	var list []StoredCredential
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 2, "nil user and empty user are distinct keys")

	has, err := v.Has(ctx, "p", nil)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := v.Get(ctx, "p", ptr(""))
	require.NoError(t, err)
	assert.Equal(t, "empty-user", got.AccessToken)
}

func TestGet_ExpiredIsRemoved(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)

	past := now.Add(-time.Minute)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "old", ExpiresAt: &past}))

	expired, err := v.ExpiredCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	_, err = v.Get(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	accounts, err := v.ConnectedProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = kv.Get(ctx, CredentialsKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemove_LastEntryDeletesKey(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)

	require.NoError(t, v.Save(ctx, Credentials{Provider: "a", AccessToken: "1"}))
	require.NoError(t, v.Save(ctx, Credentials{Provider: "b", AccessToken: "2", UserID: ptr("u")}))

	require.NoError(t, v.Remove(ctx, "b", nil), "nil user does not match u")
	accounts, err := v.ConnectedProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	require.NoError(t, v.Remove(ctx, "b", ptr("u")))
	require.NoError(t, v.Remove(ctx, "a", nil))

	_, err = kv.Get(ctx, CredentialsKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdate_RefreshesToken(t *testing.T) {
	ctx := context.Background()
	v, _ := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "old", Scope: []string{"s"}}))

	require.NoError(t, v.Update(ctx, "p", nil, func(c *Credentials) {
		c.AccessToken = "new"
		c.Provider = "ignored"
	}))

	got, err := v.Get(ctx, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, []string{"s"}, got.Scope)

	assert.ErrorIs(t, v.Update(ctx, "missing", nil, func(*Credentials) {}), ErrNotFound)
}

func TestCorruptedListIsCleared(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)
	require.NoError(t, kv.Set(ctx, CredentialsKey, []byte("{not json")))

	_, err := v.Get(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = kv.Get(ctx, CredentialsKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetMasterSecret_RotatesWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	v, _ := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "tok"}))

	require.NoError(t, v.SetMasterSecret(ctx, []byte("new secret!")))
	v.Lock()

	ok, err := v.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, v.SetMasterSecret(ctx, []byte("third secret")), ErrLocked)

	ok, err = v.Unlock(ctx, []byte("new secret!"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := v.Get(ctx, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
}

func TestClearMasterSecret(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "tok"}))

	require.NoError(t, v.ClearMasterSecret(ctx))
	assert.Equal(t, Uninitialized, v.State())

	_, err := kv.Get(ctx, VerifierKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = kv.Get(ctx, CredentialsKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClearAll_KeepsSecret(t *testing.T) {
	ctx := context.Background()
	v, _ := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "tok"}))

	require.NoError(t, v.ClearAll(ctx))
	assert.Equal(t, Unlocked, v.State())
	_, err := v.Get(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearAll_RequiresUnlocked(t *testing.T) {
	ctx := context.Background()
	v, kv := newUnlocked(t)
	require.NoError(t, v.Save(ctx, Credentials{Provider: "p", AccessToken: "tok"}))
	v.Lock()

	assert.ErrorIs(t, v.ClearAll(ctx), ErrLocked)
	_, err := kv.Get(ctx, CredentialsKey)
	assert.NoError(t, err, "credentials must survive a locked ClearAll")
}
