package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/cloud/memory"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/offline"
	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/dmitrijs2005/notesync/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const drive = "googledrive"

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	o    *Orchestrator
	gate *offline.Gate
	mem  *memory.Provider
	kv   *storage.Memory
	meta *metadata.Store
}

func noSleep(context.Context, time.Duration) error { return nil }

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	kv := storage.NewMemory()
	v, err := vault.New(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, v.SetMasterSecret(ctx, []byte("test secret")))

	e := &env{
		gate: offline.New(offline.Options{}),
		mem:  memory.New(drive, v, memory.WithDisplay("Google Drive", "G")),
		kv:   kv,
		meta: metadata.NewStore(kv, nil),
	}
	e.o = e.build()
	return e
}

// build wires an orchestrator over the env's state, as a restarted process would.
func (e *env) build() *Orchestrator {
	return e.buildWith(e.mem)
}

// buildWith is build with p registered in place of the memory provider.
func (e *env) buildWith(p cloud.Provider) *Orchestrator {
	exec := faults.NewExecutor(faults.DefaultPolicy(), nil)
	exec.Sleep = noSleep

	var seq atomic.Int64
	return New(Options{
		Registry: cloud.NewRegistry(p),
		Metadata: e.meta,
		Files:    filesync.New(filesync.Options{Executor: exec}),
		Gate:     e.gate,
		KV:       e.kv,
		Executor: exec,
		Now:      func() time.Time { return fixedNow },
		NewID:    func() string { return fmt.Sprintf("note_%d", seq.Add(1)) },
	})
}

func (e *env) connect(t *testing.T) string {
	t.Helper()
	require.NoError(t, e.o.ConnectProvider(context.Background(), drive))
	pm, found, err := e.meta.Provider(context.Background(), drive)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, pm.ApplicationFolderID)
	return *pm.ApplicationFolderID
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.connect(t)

	n, err := e.o.CreateNote(ctx, drive, "  Trip Plan ")
	require.NoError(t, err)
	assert.NotEmpty(t, n.CloudFileID)
	assert.Equal(t, "Trip Plan", n.Title)
	assert.Equal(t, "trip-plan.md", n.FileName)
	assert.Equal(t, "note_1", n.ID)

	content, err := e.o.OpenNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Contains(t, content, "Trip Plan")
	assert.Equal(t, "# Trip Plan\n\nCreated on 3/1/2024\n", content)
	assert.Equal(t, filesync.Checksum(content), n.Checksum)

	require.NoError(t, e.o.SaveNote(ctx, n.ID, "# Trip Plan\nPacking list"))
	content, err = e.o.OpenNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Trip Plan\nPacking list", content)

	stored, err := e.meta.Find(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, filesync.Checksum(content), stored.Checksum)
	assert.Equal(t, int64(len(content)), stored.Size)
	assert.Equal(t, fixedNow, stored.LastSynced)
}

func TestConnectProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown provider", func(t *testing.T) {
		e := newEnv(t)
		assert.ErrorIs(t, e.o.ConnectProvider(ctx, "dropbox"), faults.ErrNotFound)
	})

	t.Run("offline", func(t *testing.T) {
		e := newEnv(t)
		e.gate.SetOnline(false)
		assert.ErrorIs(t, e.o.ConnectProvider(ctx, drive), faults.ErrOffline)
		assert.Equal(t, 0, e.mem.Calls(memory.OpAuthenticate))
	})

	t.Run("success", func(t *testing.T) {
		e := newEnv(t)
		assert.Equal(t, Disconnected, e.o.ConnectionState(ctx, drive))
		e.connect(t)
		assert.Equal(t, Connected, e.o.ConnectionState(ctx, drive))
		assert.True(t, e.o.IsProviderConnected(ctx, drive))

		pm, _, err := e.o.ProviderMetadata(ctx, drive)
		require.NoError(t, err)
		assert.True(t, pm.Connected)
		assert.Equal(t, "Google Drive", pm.DisplayName)
		assert.Equal(t, fixedNow, *pm.LastSync)

		// a fresh process derives the state from the stored record
		assert.Equal(t, Connected, e.build().ConnectionState(ctx, drive))
	})

	t.Run("transient failures are retried twice", func(t *testing.T) {
		e := newEnv(t)
		boom := errors.New("network error")
		e.mem.FailNext(memory.OpAuthenticate, boom, boom)
		require.NoError(t, e.o.ConnectProvider(ctx, drive))
		assert.Equal(t, 3, e.mem.Calls(memory.OpAuthenticate))
	})

	failures := []struct {
		name string
		op   memory.Op
		errs []error
		want error
	}{
		{"authentication rejected", memory.OpAuthenticate, []error{faults.FromStatus(401, errors.New("denied"))}, faults.ErrAuthentication},
		{"retries exhausted", memory.OpAuthenticate, []error{errors.New("network error"), errors.New("network error"), errors.New("network error")}, faults.ErrNetwork},
		{"folder setup fails", memory.OpCreateFolder, []error{faults.FromStatus(403, errors.New("forbidden"))}, faults.ErrPermission},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.mem.FailNext(tt.op, tt.errs...)

			err := e.o.ConnectProvider(ctx, drive)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, Disconnected, e.o.ConnectionState(ctx, drive))
			assert.False(t, e.o.IsProviderConnected(ctx, drive))

			_, found, err := e.meta.Provider(ctx, drive)
			require.NoError(t, err)
			assert.False(t, found, "provider record must stay untouched")
		})
	}
}

func TestDisconnectProvider_Cascade(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.connect(t)

	a, err := e.o.CreateNote(ctx, drive, "A")
	require.NoError(t, err)
	_, err = e.o.CreateNote(ctx, drive, "B")
	require.NoError(t, err)
	require.NoError(t, e.o.putConflict(ctx, &filesync.ConflictCopy{NoteID: a.ID}))

	require.NoError(t, e.o.DisconnectProvider(ctx, drive))
	assert.Equal(t, Disconnected, e.o.ConnectionState(ctx, drive))
	assert.False(t, e.o.IsProviderConnected(ctx, drive))
	assert.False(t, e.mem.IsAuthenticated(ctx))

	notes, err := e.o.ListNotes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, notes)

	pm, found, err := e.o.ProviderMetadata(ctx, drive)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, pm.Connected)
	assert.Equal(t, "Google Drive", pm.DisplayName)
	assert.Nil(t, pm.ApplicationFolderID)

	conflicts, err := e.o.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	e.connect(t)
	name := drive
	notes, err = e.o.ListNotes(ctx, &name)
	require.NoError(t, err)
	assert.Empty(t, notes)

	assert.ErrorIs(t, e.o.DisconnectProvider(ctx, "dropbox"), faults.ErrNotFound)
}

func TestAvailableProviders(t *testing.T) {
	e := newEnv(t)
	all := e.o.AvailableProviders()
	require.Len(t, all, 1)
	assert.Equal(t, drive, all[0].Name())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
