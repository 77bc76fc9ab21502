package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dmitrijs2005/notesync/internal/cryptox"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/vault"
)

// getSimpleText, getPassword and getMultiline are swapped in tests.
var (
	getSimpleText = GetSimpleText
	getPassword   = GetPassword
	getMultiline  = GetMultiline
)

var errUsage = errors.New("usage")

func userMessage(err error) string {
	var ce *faults.CloudError
	if errors.As(err, &ce) {
		return faults.UserMessage(err)
	}
	return err.Error()
}

func (a *App) usage(text string) error {
	fmt.Fprintln(a.out, "Usage:", text)
	return errUsage
}

// Unlock opens the vault, or sets the master secret on first use.
func (a *App) Unlock(ctx context.Context, _ []string) error {
	switch a.secrets.State() {
	case vault.Unlocked:
		fmt.Fprintln(a.out, "Vault is already unlocked")
		return nil

	case vault.Uninitialized:
		secret, err := getPassword("Choose a master secret", a.out)
		if err != nil {
			return err
		}
		defer cryptox.WipeByteArray(secret)
		if err := a.secrets.SetMasterSecret(ctx, secret); err != nil {
			return a.report(ctx, "set master secret", err)
		}
		fmt.Fprintln(a.out, "Master secret set")
		a.replay(ctx)
		return nil
	}

	secret, err := getPassword("Master secret", a.out)
	if err != nil {
		return err
	}
	defer cryptox.WipeByteArray(secret)

	ok, err := a.secrets.Unlock(ctx, secret)
	if err != nil {
		return a.report(ctx, "unlock", err)
	}
	if !ok {
		fmt.Fprintln(a.out, "Wrong master secret")
		return vault.ErrLocked
	}
	fmt.Fprintln(a.out, "Unlocked")
	a.replay(ctx)
	return nil
}

// replay uploads edits saved offline in an earlier session. Providers can
// only authenticate once the vault is open, so this runs after unlocking.
func (a *App) replay(ctx context.Context) {
	n, err := a.notes.ReplayPending(ctx)
	if err != nil {
		a.logger.Warn(ctx, "replay pending edits", "error", err)
		fmt.Fprintln(a.out, "Some offline edits could not be uploaded yet")
		return
	}
	if n > 0 {
		fmt.Fprintf(a.out, "Replayed %d offline edit(s)\n", n)
	}
}

func (a *App) Lock(_ context.Context, _ []string) error {
	a.secrets.Lock()
	fmt.Fprintln(a.out, "Locked")
	return nil
}

func (a *App) Providers(ctx context.Context, _ []string) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, p := range a.notes.AvailableProviders() {
		fmt.Fprintf(tw, "%s\t%s %s\t%s\n", p.Name(), p.Icon(), p.DisplayName(), a.notes.ConnectionState(ctx, p.Name()))
	}
	return tw.Flush()
}

func (a *App) Connect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("connect <provider>")
	}
	if !a.isUnlocked() {
		fmt.Fprintln(a.out, "Unlock the vault first")
		return vault.ErrLocked
	}
	if err := a.notes.ConnectProvider(ctx, args[0]); err != nil {
		return a.report(ctx, "connect", err)
	}
	fmt.Fprintf(a.out, "Connected to %s\n", args[0])
	return nil
}

func (a *App) Disconnect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("disconnect <provider>")
	}
	if err := a.notes.DisconnectProvider(ctx, args[0]); err != nil {
		return a.report(ctx, "disconnect", err)
	}
	fmt.Fprintf(a.out, "Disconnected from %s\n", args[0])
	return nil
}

func (a *App) Create(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return a.usage("create <provider> [title]")
	}
	title := strings.Join(args[1:], " ")
	if title == "" {
		var err error
		if title, err = getSimpleText(a.reader, "Title", a.out); err != nil {
			return err
		}
	}
	n, err := a.notes.CreateNote(ctx, args[0], title)
	if err != nil {
		return a.report(ctx, "create", err)
	}
	fmt.Fprintf(a.out, "Created %s (%s)\n", n.ID, n.FileName)
	return nil
}

func (a *App) List(ctx context.Context, args []string) error {
	var provider *string
	if len(args) > 0 {
		provider = &args[0]
	}
	notes, err := a.notes.ListNotes(ctx, provider)
	if err != nil {
		return a.report(ctx, "list", err)
	}
	if len(notes) == 0 {
		fmt.Fprintln(a.out, "No notes")
		return nil
	}

	pending, _ := a.notes.PendingWrites(ctx)
	queued := make(map[string]bool, len(pending))
	for _, id := range pending {
		queued[id] = true
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPROVIDER\tMODIFIED\tSIZE\t")
	for _, n := range notes {
		mark := ""
		if queued[n.ID] {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, n.Title, n.Provider, n.LastModified.Local().Format("2006-01-02 15:04"), n.Size, mark)
	}
	return tw.Flush()
}

func (a *App) Open(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("open <id>")
	}
	content, err := a.notes.OpenNote(ctx, args[0])
	if err != nil {
		return a.report(ctx, "open", err)
	}
	fmt.Fprint(a.out, content)
	if !strings.HasSuffix(content, "\n") {
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *App) Save(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("save <id>")
	}
	content, err := getMultiline(a.reader, "Enter note content", a.out)
	if err != nil {
		return err
	}
	if content == "" {
		fmt.Fprintln(a.out, "Nothing to save")
		return nil
	}
	if err := a.notes.SaveNote(ctx, args[0], content); err != nil {
		return a.report(ctx, "save", err)
	}
	if a.gate.IsOnline() {
		fmt.Fprintln(a.out, "Saved")
	} else {
		fmt.Fprintln(a.out, "Saved locally; will upload when back online")
	}
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("delete <id>")
	}
	if err := a.notes.DeleteNote(ctx, args[0]); err != nil {
		return a.report(ctx, "delete", err)
	}
	fmt.Fprintln(a.out, "Deleted")
	return nil
}

func (a *App) Sync(ctx context.Context, args []string) error {
	var provider *string
	if len(args) > 0 {
		provider = &args[0]
	}
	res := a.notes.SyncNotes(ctx, provider)
	fmt.Fprintf(a.out, "Synced %d file(s)\n", res.FilesProcessed)
	for _, e := range res.Errors {
		fmt.Fprintln(a.out, "  -", e)
	}
	if !res.Success {
		return errors.New("sync finished with errors")
	}
	return nil
}

// Conflicts lists kept local copies, or with "dismiss <id>" drops one.
func (a *App) Conflicts(ctx context.Context, args []string) error {
	if len(args) == 2 && args[0] == "dismiss" {
		if err := a.notes.DismissConflict(ctx, args[1]); err != nil {
			return a.report(ctx, "dismiss conflict", err)
		}
		fmt.Fprintln(a.out, "Dismissed")
		return nil
	}
	if len(args) != 0 {
		return a.usage("conflicts [dismiss <id>]")
	}

	list, err := a.notes.Conflicts(ctx)
	if err != nil {
		return a.report(ctx, "conflicts", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No conflicts")
		return nil
	}
	for _, c := range list {
		fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\n", c.NoteID, c.Provider, c.FileName, c.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func (a *App) Status(ctx context.Context, _ []string) error {
	fmt.Fprintln(a.out, "Vault:", a.secrets.State())
	if a.gate.IsOnline() {
		fmt.Fprintln(a.out, "Network: online")
	} else {
		fmt.Fprintln(a.out, "Network: offline for", a.gate.OfflineDurationText())
	}
	fmt.Fprintln(a.out, "Queued operations:", a.gate.Pending())
	if pending, err := a.notes.PendingWrites(ctx); err == nil {
		fmt.Fprintln(a.out, "Unsent edits:", len(pending))
	}
	return nil
}
