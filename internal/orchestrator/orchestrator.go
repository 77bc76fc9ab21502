// Package orchestrator sequences the note lifecycle across providers:
// connect, create, open, save, delete and full sync. It owns no I/O of its
// own; remote calls go through filesync, local state through metadata and
// the key-value store, and connectivity decisions through the offline gate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/offline"
	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultAuthTimeout = 2 * time.Minute
	connectRetries     = 2
	disconnectRetries  = 1
)

// ConnState is the per-provider connection state machine.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	Registry *cloud.Registry
	Metadata *metadata.Store
	Files    *filesync.Synchronizer
	Gate     *offline.Gate
	// KV holds the pending-write journal and conflict copies.
	KV          storage.KV
	Executor    *faults.Executor
	Logger      logging.Logger
	AuthTimeout time.Duration
	Now         func() time.Time
	NewID       func() string
}

type Orchestrator struct {
	registry    *cloud.Registry
	meta        *metadata.Store
	files       *filesync.Synchronizer
	gate        *offline.Gate
	kv          storage.KV
	exec        *faults.Executor
	log         logging.Logger
	authTimeout time.Duration
	now         func() time.Time
	newID       func() string

	mu     sync.Mutex
	states map[string]ConnState
	locks  map[string]*sync.Mutex

	// journalMu guards read-modify-write of pending entries. Offline saves
	// take it instead of the note lock so they never wait on a push.
	journalMu sync.Mutex
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Executor == nil {
		opts.Executor = faults.NewExecutor(faults.DefaultPolicy(), opts.Logger)
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "note_" + uuid.NewString() }
	}
	return &Orchestrator{
		registry:    opts.Registry,
		meta:        opts.Metadata,
		files:       opts.Files,
		gate:        opts.Gate,
		kv:          opts.KV,
		exec:        opts.Executor,
		log:         opts.Logger.With("component", "orchestrator"),
		authTimeout: opts.AuthTimeout,
		now:         opts.Now,
		newID:       opts.NewID,
		states:      make(map[string]ConnState),
		locks:       make(map[string]*sync.Mutex),
	}
}

// AvailableProviders lists every registered provider, sorted by name.
func (o *Orchestrator) AvailableProviders() []cloud.Provider {
	return o.registry.All()
}

// ConnectProvider authenticates with name, locates its application folder
// and records the connection. On failure the stored provider record is left
// as it was.
func (o *Orchestrator) ConnectProvider(ctx context.Context, name string) error {
	c := faults.Context{Operation: "connectProvider", Provider: name}
	p, err := o.provider(name, c)
	if err != nil {
		return err
	}
	if !o.gate.IsOnline() {
		return faults.Enhance(faults.New(faults.Offline, "cannot connect while offline"), c)
	}

	o.setState(name, Connecting)
	err = o.exec.WithMaxRetries(connectRetries).Do(ctx, c, func(ctx context.Context) error {
		if !o.gate.IsOnline() {
			return faults.New(faults.Offline, "cannot connect while offline")
		}

		res, err := faults.WithTimeout(ctx, o.authTimeout, p.Authenticate)
		if err != nil {
			return err
		}
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "authentication failed"
			}
			return faults.New(faults.Authentication, "%s", msg)
		}

		folder, err := faults.WithTimeout(ctx, faults.WriteTimeout, p.CreateApplicationFolder)
		if err != nil {
			return err
		}
		if folder == "" {
			return faults.New(faults.InvalidResponse, "provider returned an empty folder id")
		}

		now := o.now()
		return o.meta.SetProvider(ctx, name, metadata.ProviderMetadata{
			Connected:           true,
			ApplicationFolderID: &folder,
			LastSync:            &now,
			DisplayName:         p.DisplayName(),
			Icon:                p.Icon(),
		})
	})
	if err != nil {
		o.setState(name, Disconnected)
		o.log.Error(ctx, "connect failed", "provider", name, "error", err)
		return err
	}

	o.setState(name, Connected)
	o.log.Info(ctx, "provider connected", "provider", name)
	return nil
}

// DisconnectProvider drops the provider's credentials, marks it disconnected
// and forgets every note it held.
func (o *Orchestrator) DisconnectProvider(ctx context.Context, name string) error {
	c := faults.Context{Operation: "disconnectProvider", Provider: name}
	p, err := o.provider(name, c)
	if err != nil {
		return err
	}

	var removed []metadata.NoteMetadata
	err = o.exec.WithMaxRetries(disconnectRetries).Do(ctx, c, func(ctx context.Context) error {
		if err := p.Disconnect(ctx); err != nil {
			return err
		}
		err := o.meta.SetProvider(ctx, name, metadata.ProviderMetadata{
			Connected:   false,
			DisplayName: p.DisplayName(),
			Icon:        p.Icon(),
		})
		if err != nil {
			return err
		}
		notes, err := o.meta.FindByProvider(ctx, name)
		if err != nil {
			return err
		}
		if _, err := o.meta.RemoveByProvider(ctx, name); err != nil {
			return err
		}
		removed = notes
		return nil
	})
	if err != nil {
		o.log.Error(ctx, "disconnect failed", "provider", name, "error", err)
		return err
	}

	for _, n := range removed {
		o.forget(ctx, n.ID)
	}
	o.setState(name, Disconnected)
	o.log.Info(ctx, "provider disconnected", "provider", name, "notes_removed", len(removed))
	return nil
}

// ConnectionState reports the state machine position for name. Providers
// never touched in this process report the persisted connection flag.
func (o *Orchestrator) ConnectionState(ctx context.Context, name string) ConnState {
	o.mu.Lock()
	s, ok := o.states[name]
	o.mu.Unlock()
	if ok {
		return s
	}

	pm, found, err := o.meta.Provider(ctx, name)
	if err != nil || !found || !pm.Connected {
		return Disconnected
	}
	return Connected
}

// IsProviderConnected reports whether name is registered, recorded as
// connected and still holds valid credentials.
func (o *Orchestrator) IsProviderConnected(ctx context.Context, name string) bool {
	p, err := o.registry.Get(name)
	if err != nil {
		return false
	}
	pm, found, err := o.meta.Provider(ctx, name)
	if err != nil || !found || !pm.Connected {
		return false
	}
	return p.IsAuthenticated(ctx)
}

func (o *Orchestrator) ProviderMetadata(ctx context.Context, name string) (metadata.ProviderMetadata, bool, error) {
	return o.meta.Provider(ctx, name)
}

func (o *Orchestrator) setState(name string, s ConnState) {
	o.mu.Lock()
	o.states[name] = s
	o.mu.Unlock()
}

func (o *Orchestrator) provider(name string, c faults.Context) (cloud.Provider, error) {
	p, err := o.registry.Get(name)
	if err != nil {
		return nil, faults.Enhance(faults.Wrap(faults.NotFound, err), c)
	}
	return p, nil
}

// noteLock serializes the remote write and metadata update of one note.
func (o *Orchestrator) noteLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// localErr classifies a metadata or key-value failure.
func localErr(err error, c faults.Context) error {
	var ve *metadata.ValidationError
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return faults.Enhance(faults.Wrap(faults.NotFound, err), c)
	case errors.Is(err, metadata.ErrDuplicateID), errors.As(err, &ve):
		return faults.Enhance(faults.Wrap(faults.Validation, err), c)
	default:
		return faults.Enhance(faults.Wrap(faults.Unknown, fmt.Errorf("local store: %w", err)), c)
	}
}
