package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/offline"
	"github.com/dmitrijs2005/notesync/internal/orchestrator"
	"github.com/dmitrijs2005/notesync/internal/vault"
)

// Notes is the orchestrator surface the shell drives.
type Notes interface {
	AvailableProviders() []cloud.Provider
	ConnectProvider(ctx context.Context, name string) error
	DisconnectProvider(ctx context.Context, name string) error
	ConnectionState(ctx context.Context, name string) orchestrator.ConnState
	CreateNote(ctx context.Context, provider, title string) (metadata.NoteMetadata, error)
	ListNotes(ctx context.Context, provider *string) ([]metadata.NoteMetadata, error)
	OpenNote(ctx context.Context, id string) (string, error)
	SaveNote(ctx context.Context, id, content string) error
	DeleteNote(ctx context.Context, id string) error
	SyncNotes(ctx context.Context, provider *string) orchestrator.SyncResult
	Conflicts(ctx context.Context) ([]filesync.ConflictCopy, error)
	DismissConflict(ctx context.Context, noteID string) error
	PendingWrites(ctx context.Context) ([]string, error)
	ReplayPending(ctx context.Context) (int, error)
}

// Secrets is the vault surface the shell drives.
type Secrets interface {
	State() vault.State
	SetMasterSecret(ctx context.Context, secret []byte) error
	Unlock(ctx context.Context, secret []byte) (bool, error)
	Lock()
}

type App struct {
	notes   Notes
	secrets Secrets
	gate    *offline.Gate
	logger  logging.Logger
	reader  *bufio.Reader
	out     io.Writer
	// interactive is set when reading from the process stdin.
	interactive bool
}

type Options struct {
	Notes   Notes
	Secrets Secrets
	Gate    *offline.Gate
	Logger  logging.Logger
	// In and Out default to the process stdin and stdout.
	In  io.Reader
	Out io.Writer
}

func NewApp(opts Options) *App {
	a := &App{
		notes:   opts.Notes,
		secrets: opts.Secrets,
		gate:    opts.Gate,
		logger:  opts.Logger,
		out:     opts.Out,
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
		a.interactive = true
	}
	a.reader = bufio.NewReader(in)
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.logger == nil {
		a.logger = logging.Nop()
	}
	return a
}

// Run prints connectivity changes and serves commands until the user exits
// or input ends.
func (a *App) Run(ctx context.Context) {
	unsubscribe := a.gate.Subscribe(func(s offline.State) {
		fmt.Fprintf(a.out, "\n[%s]\n", s.Mode)
	})
	defer unsubscribe()

	fmt.Fprintln(a.out, "Welcome to notesync (type 'help' for commands)")
	if a.interactive && a.secrets.State() != vault.Unlocked {
		_ = a.Unlock(ctx, nil)
	}
	runREPL(ctx, a, a.status, a.reader)
}

func (a *App) isUnlocked() bool {
	return a.secrets.State() == vault.Unlocked
}

// status renders the prompt suffix, e.g. "(offline 1m 5s, 2 queued)".
func (a *App) status() string {
	var parts []string
	if a.gate.IsOnline() {
		parts = append(parts, "online")
	} else {
		parts = append(parts, strings.TrimSpace("offline "+a.gate.OfflineDurationText()))
	}
	if n := a.gate.Pending(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d queued", n))
	}
	if !a.isUnlocked() {
		parts = append(parts, "locked")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// report prints err in user terms and logs the detail.
func (a *App) report(ctx context.Context, action string, err error) error {
	a.logger.Warn(ctx, action+" failed", "error", err)
	fmt.Fprintln(a.out, "Error:", userMessage(err))
	return err
}
