package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/storage"
)

const (
	pendingPrefix  = "notesync-pending/"
	conflictPrefix = "notesync-conflict/"
)

// pendingWrite is a save made while offline, kept until it reaches the
// provider.
type pendingWrite struct {
	NoteID   string    `json:"noteId"`
	Content  string    `json:"content"`
	QueuedAt time.Time `json:"queuedAt"`
}

func (o *Orchestrator) putPending(ctx context.Context, w pendingWrite) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	o.journalMu.Lock()
	defer o.journalMu.Unlock()
	return o.kv.Set(ctx, pendingPrefix+w.NoteID, raw)
}

// pending returns the journaled write for id, or nil.
func (o *Orchestrator) pending(ctx context.Context, id string) (*pendingWrite, error) {
	raw, err := o.kv.Get(ctx, pendingPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w pendingWrite
	if err := json.Unmarshal(raw, &w); err != nil {
		o.log.Warn(ctx, "dropping unreadable pending write", "note", id, "error", err)
		_ = o.kv.Delete(ctx, pendingPrefix+id)
		return nil, nil
	}
	return &w, nil
}

// settlePending removes the entry for id once pushed has reached the
// provider. An entry journaled after pushed was read is newer and stays.
func (o *Orchestrator) settlePending(ctx context.Context, id string, pushed *pendingWrite) {
	if pushed == nil {
		return
	}
	o.journalMu.Lock()
	defer o.journalMu.Unlock()

	cur, err := o.pending(ctx, id)
	if err != nil {
		o.log.Warn(ctx, "failed to read pending write", "note", id, "error", err)
		return
	}
	if cur == nil {
		return
	}
	if cur.Content != pushed.Content || !cur.QueuedAt.Equal(pushed.QueuedAt) {
		o.log.Info(ctx, "newer pending write kept", "note", id, "queued_at", cur.QueuedAt)
		return
	}
	o.dropPending(ctx, id)
}

func (o *Orchestrator) dropPending(ctx context.Context, id string) {
	if err := o.kv.Delete(ctx, pendingPrefix+id); err != nil {
		o.log.Warn(ctx, "failed to clear pending write", "note", id, "error", err)
	}
}

// PendingWrites lists the ids of notes with a save waiting for connectivity.
func (o *Orchestrator) PendingWrites(ctx context.Context) ([]string, error) {
	entries, err := o.kv.List(ctx, pendingPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for k := range entries {
		ids = append(ids, strings.TrimPrefix(k, pendingPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReplayPending pushes every journaled offline save. When offline the
// writes are handed to the gate and run once connectivity returns; the
// count is then the number queued.
func (o *Orchestrator) ReplayPending(ctx context.Context) (int, error) {
	ids, err := o.PendingWrites(ctx)
	if err != nil {
		return 0, localErr(err, faults.Context{Operation: "replayPending"})
	}

	if !o.gate.IsOnline() {
		for _, id := range ids {
			o.queueReplay(ctx, id)
		}
		return len(ids), nil
	}

	var errs []error
	replayed := 0
	for _, id := range ids {
		if err := o.replay(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (o *Orchestrator) queueReplay(ctx context.Context, id string) {
	o.gate.QueueForLater(ctx, "saveNote "+id, func(ctx context.Context) error {
		return o.replay(ctx, id)
	})
}

// replay pushes the journaled write for id, if it is still there. A newer
// online save settles the entry first, so stale content is never pushed.
func (o *Orchestrator) replay(ctx context.Context, id string) error {
	l := o.noteLock(id)
	l.Lock()
	defer l.Unlock()

	w, err := o.pending(ctx, id)
	if err != nil || w == nil {
		return err
	}

	c := faults.Context{Operation: "replaySave", NoteID: id}
	n, err := o.meta.Find(ctx, id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			o.dropPending(ctx, id)
		}
		return localErr(err, c)
	}
	p, err := o.provider(n.Provider, c)
	if err != nil {
		return err
	}
	if err := o.push(ctx, p, n, w.Content); err != nil {
		return err
	}
	o.settlePending(ctx, id, w)
	o.log.Info(ctx, "queued save replayed", "note", id, "queued_at", w.QueuedAt)
	return nil
}

func (o *Orchestrator) putConflict(ctx context.Context, cc *filesync.ConflictCopy) error {
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshal conflict copy: %w", err)
	}
	return o.kv.Set(ctx, conflictPrefix+cc.NoteID, raw)
}

// Conflicts returns the preserved losing versions, oldest first.
func (o *Orchestrator) Conflicts(ctx context.Context) ([]filesync.ConflictCopy, error) {
	entries, err := o.kv.List(ctx, conflictPrefix)
	if err != nil {
		return nil, localErr(err, faults.Context{Operation: "conflicts"})
	}
	out := make([]filesync.ConflictCopy, 0, len(entries))
	for k, raw := range entries {
		var cc filesync.ConflictCopy
		if err := json.Unmarshal(raw, &cc); err != nil {
			o.log.Warn(ctx, "skipping unreadable conflict copy", "key", k, "error", err)
			continue
		}
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].NoteID < out[j].NoteID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DismissConflict discards the conflict copy kept for noteID.
func (o *Orchestrator) DismissConflict(ctx context.Context, noteID string) error {
	if err := o.kv.Delete(ctx, conflictPrefix+noteID); err != nil {
		return localErr(err, faults.Context{Operation: "dismissConflict", NoteID: noteID})
	}
	return nil
}

// forget clears everything kept locally for a note that no longer exists.
func (o *Orchestrator) forget(ctx context.Context, id string) {
	o.dropPending(ctx, id)
	if err := o.kv.Delete(ctx, conflictPrefix+id); err != nil {
		o.log.Warn(ctx, "failed to clear conflict copy", "note", id, "error", err)
	}
}
