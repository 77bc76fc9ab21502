package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/metadata"
)

const offlineSyncMessage = "Cannot sync while offline"

// SyncResult summarizes a SyncNotes run. Success is false whenever Errors
// is non-empty, even if some notes were processed.
type SyncResult struct {
	Success        bool
	FilesProcessed int
	Errors         []string
	LastSyncTime   time.Time
}

// SyncNotes discovers remote files not yet tracked and reconciles every
// tracked note, for one provider or for all connected providers. A failing
// note or provider is reported in the result and does not stop the batch.
func (o *Orchestrator) SyncNotes(ctx context.Context, provider *string) SyncResult {
	if !o.gate.IsOnline() {
		o.log.Warn(ctx, "sync skipped while offline")
		return SyncResult{Errors: []string{offlineSyncMessage}, LastSyncTime: o.now()}
	}

	var names []string
	if provider != nil {
		names = []string{*provider}
	} else {
		for _, p := range o.registry.All() {
			names = append(names, p.Name())
		}
	}

	res := SyncResult{Errors: []string{}}
	for _, name := range names {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, "Sync cancelled")
			break
		}
		processed, errs := o.syncProvider(ctx, name)
		res.FilesProcessed += processed
		res.Errors = append(res.Errors, errs...)
	}

	res.Success = len(res.Errors) == 0
	res.LastSyncTime = o.now()
	o.log.Info(ctx, "sync finished", "processed", res.FilesProcessed, "errors", len(res.Errors))
	return res
}

func (o *Orchestrator) syncProvider(ctx context.Context, name string) (int, []string) {
	c := faults.Context{Operation: "syncProvider", Provider: name}
	p, err := o.registry.Get(name)
	if err != nil {
		return 0, []string{fmt.Sprintf("Provider %s not found", name)}
	}

	pm, found, err := o.meta.Provider(ctx, name)
	if err != nil {
		return 0, []string{fmt.Sprintf("Failed to sync provider %s: %s", name, faults.UserMessage(localErr(err, c)))}
	}
	if !found || !pm.Connected {
		return 0, nil
	}
	if !p.IsAuthenticated(ctx) {
		return 0, []string{fmt.Sprintf("Provider %s is not authenticated", name)}
	}

	var (
		processed int
		errs      []string
	)

	listed := map[string]cloud.File{}
	if pm.ApplicationFolderID != nil {
		n, files, derrs := o.discover(ctx, p, *pm.ApplicationFolderID)
		processed += n
		errs = append(errs, derrs...)
		for _, f := range files {
			listed[f.ID] = f
		}
	}

	notes, err := o.meta.FindByProvider(ctx, name)
	if err != nil {
		return processed, append(errs, fmt.Sprintf("Failed to sync provider %s: %s", name, faults.UserMessage(localErr(err, c))))
	}
	for _, n := range notes {
		k, err := o.syncNote(ctx, p, n, listed)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to sync note %s: %s", n.Title, faults.UserMessage(err)))
			continue
		}
		processed += k
	}

	now := o.now()
	pm.LastSync = &now
	if err := o.meta.SetProvider(ctx, name, pm); err != nil {
		errs = append(errs, fmt.Sprintf("Failed to sync provider %s: %s", name, faults.UserMessage(localErr(err, c))))
	}
	return processed, errs
}

// discover records remote files that have no local metadata yet. Their
// content has not been read, so their checksum is unknown.
func (o *Orchestrator) discover(ctx context.Context, p cloud.Provider, folder string) (int, []cloud.File, []string) {
	files, err := o.files.List(ctx, p, folder)
	if err != nil {
		return 0, nil, []string{"Failed to discover files: " + faults.UserMessage(err)}
	}

	known, err := o.meta.FindByProvider(ctx, p.Name())
	if err != nil {
		return 0, files, []string{"Failed to discover files: " + faults.UserMessage(localErr(err, faults.Context{Operation: "discover"}))}
	}
	tracked := make(map[string]struct{}, len(known))
	for _, n := range known {
		tracked[n.CloudFileID] = struct{}{}
	}

	added := 0
	var errs []string
	now := o.now()
	for _, f := range files {
		if _, ok := tracked[f.ID]; ok {
			continue
		}
		title := strings.TrimSuffix(f.Name, ".md")
		if strings.TrimSpace(title) == "" {
			title = "untitled"
		}
		modified := f.ModifiedTime
		if modified.IsZero() {
			modified = now
		}
		n := metadata.NoteMetadata{
			ID:           o.newID(),
			Title:        title,
			FileName:     f.Name,
			Provider:     p.Name(),
			CloudFileID:  f.ID,
			LastModified: modified,
			LastSynced:   now,
			Size:         f.Size,
			Checksum:     filesync.UnknownChecksum,
		}
		if err := o.meta.Add(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("Failed to add new file %s: %v", f.Name, err))
			continue
		}
		o.log.Info(ctx, "discovered remote note", "provider", p.Name(), "file", f.Name, "note", n.ID)
		added++
	}
	return added, files, errs
}

// syncNote reconciles one note, using a journaled offline save as the local
// copy when there is one.
func (o *Orchestrator) syncNote(ctx context.Context, p cloud.Provider, n metadata.NoteMetadata, listed map[string]cloud.File) (int, error) {
	c := faults.Context{Operation: "syncNote", Provider: n.Provider, NoteID: n.ID, FileName: n.Title}

	l := o.noteLock(n.ID)
	l.Lock()
	defer l.Unlock()

	var local *string
	w, err := o.pending(ctx, n.ID)
	if err != nil {
		return 0, localErr(err, c)
	}
	if w != nil {
		local = &w.Content
	}

	// The synchronizer retries each remote call itself.
	out, err := o.files.SyncOne(ctx, p, n, local)
	if err != nil {
		return 0, faults.Enhance(err, c)
	}

	if out.Conflict != nil {
		if err := o.putConflict(ctx, out.Conflict); err != nil {
			o.log.Error(ctx, "failed to keep conflict copy", "note", n.ID, "error", err)
		}
	}
	o.settlePending(ctx, n.ID, w)

	if out.Decision != filesync.NoOp || n.Checksum != out.Checksum {
		now := o.now()
		modified := n.LastModified
		switch {
		case out.Remote != nil && !out.Remote.ModifiedTime.IsZero():
			modified = out.Remote.ModifiedTime
		case out.Decision != filesync.NoOp:
			if f, ok := listed[n.CloudFileID]; ok && !f.ModifiedTime.IsZero() {
				modified = f.ModifiedTime
			}
		}
		size := int64(len(out.Content))
		_, err := o.meta.Update(ctx, n.ID, metadata.Patch{
			LastModified: &modified,
			LastSynced:   &now,
			Size:         &size,
			Checksum:     &out.Checksum,
		})
		if err != nil {
			return 0, localErr(err, c)
		}
	}

	o.log.Debug(ctx, "note synced", "note", n.ID, "decision", out.Decision.String())
	return out.Processed, nil
}
