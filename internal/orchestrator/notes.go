package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/offline"
)

const maxFileNameLen = 50

var (
	invalidFileChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// CreateNote uploads a new templated note to provider and records it.
// There is no offline path: the provider assigns the file id.
func (o *Orchestrator) CreateNote(ctx context.Context, provider, title string) (metadata.NoteMetadata, error) {
	title = strings.TrimSpace(title)
	c := faults.Context{Operation: "createNote", Provider: provider, FileName: title}

	p, err := o.provider(provider, c)
	if err != nil {
		return metadata.NoteMetadata{}, err
	}
	if title == "" {
		return metadata.NoteMetadata{}, faults.Enhance(faults.New(faults.Validation, "note title cannot be empty"), c)
	}
	if !o.gate.IsOnline() {
		return metadata.NoteMetadata{}, faults.Enhance(faults.New(faults.Offline, "cannot create notes while offline"), c)
	}

	folder, err := o.connectedFolder(ctx, provider, c)
	if err != nil {
		return metadata.NoteMetadata{}, err
	}

	now := o.now()
	content := "# " + title + "\n\nCreated on " + now.Format("1/2/2006") + "\n"
	f, err := o.files.Upload(ctx, p, folder, sanitizeFileName(title), content)
	if err != nil {
		return metadata.NoteMetadata{}, faults.Enhance(err, c)
	}

	modified := f.ModifiedTime
	if modified.IsZero() {
		modified = now
	}
	n := metadata.NoteMetadata{
		ID:           o.newID(),
		Title:        title,
		FileName:     f.Name,
		Provider:     provider,
		CloudFileID:  f.ID,
		LastModified: modified,
		LastSynced:   now,
		Size:         f.Size,
		Checksum:     filesync.Checksum(content),
	}
	if err := o.meta.Add(ctx, n); err != nil {
		if derr := o.files.Delete(ctx, p, f.ID); derr != nil {
			o.log.Warn(ctx, "failed to remove orphaned upload", "provider", provider, "file", f.ID, "error", derr)
		}
		return metadata.NoteMetadata{}, localErr(err, c)
	}

	o.log.Info(ctx, "note created", "note", n.ID, "provider", provider, "file", n.FileName)
	return n, nil
}

// ListNotes serves the locally recorded notes, optionally for one provider.
// It never touches the network.
func (o *Orchestrator) ListNotes(ctx context.Context, provider *string) ([]metadata.NoteMetadata, error) {
	var (
		notes []metadata.NoteMetadata
		err   error
	)
	if provider != nil {
		notes, err = o.meta.FindByProvider(ctx, *provider)
	} else {
		notes, err = o.meta.Load(ctx)
	}
	if err != nil {
		return nil, localErr(err, faults.Context{Operation: "listNotes"})
	}
	return notes, nil
}

// OpenNote returns the content of a note. An unsynced offline save is
// returned as is; otherwise the content is downloaded, and a placeholder
// document stands in when the gate is offline.
func (o *Orchestrator) OpenNote(ctx context.Context, id string) (string, error) {
	c := faults.Context{Operation: "openNote", NoteID: id}
	n, err := o.meta.Find(ctx, id)
	if err != nil {
		return "", localErr(err, c)
	}
	c.Provider = n.Provider
	c.FileName = n.Title

	p, err := o.provider(n.Provider, c)
	if err != nil {
		return "", err
	}

	if w, err := o.pending(ctx, id); err == nil && w != nil {
		return w.Content, nil
	}

	content, err := offline.WithFallback(ctx, o.gate, "openNote",
		func(ctx context.Context) (string, error) {
			if !p.IsAuthenticated(ctx) {
				return "", faults.New(faults.Authentication, "provider %s is not authenticated", n.Provider)
			}
			return o.files.Download(ctx, p, fileOf(n))
		},
		func() string { return placeholder(n.Title) },
	)
	if err != nil {
		return "", faults.Enhance(err, c)
	}
	return content, nil
}

// SaveNote writes content to the note's remote file and refreshes its
// metadata. Offline, the write is journaled, queued on the gate and the
// call succeeds immediately.
func (o *Orchestrator) SaveNote(ctx context.Context, id, content string) error {
	c := faults.Context{Operation: "saveNote", NoteID: id}
	n, err := o.meta.Find(ctx, id)
	if err != nil {
		return localErr(err, c)
	}
	c.Provider = n.Provider
	c.FileName = n.Title

	p, err := o.provider(n.Provider, c)
	if err != nil {
		return err
	}

	if err := filesync.ValidateContent(content); err != nil {
		return faults.Enhance(err, c)
	}

	if !o.gate.IsOnline() {
		if err := o.putPending(ctx, pendingWrite{NoteID: id, Content: content, QueuedAt: o.now()}); err != nil {
			return localErr(err, c)
		}
		o.queueReplay(ctx, id)
		o.log.Info(ctx, "note will be saved when online", "note", id)
		return nil
	}

	l := o.noteLock(id)
	l.Lock()
	defer l.Unlock()

	if !p.IsAuthenticated(ctx) {
		return faults.Enhance(faults.New(faults.Authentication, "provider %s is not authenticated", n.Provider), c)
	}
	superseded, err := o.pending(ctx, id)
	if err != nil {
		return localErr(err, c)
	}
	if err := o.push(ctx, p, n, content); err != nil {
		return faults.Enhance(err, c)
	}
	o.settlePending(ctx, id, superseded)
	return nil
}

// push uploads content and records it. The caller holds the note lock.
func (o *Orchestrator) push(ctx context.Context, p cloud.Provider, n metadata.NoteMetadata, content string) error {
	c := faults.Context{Operation: "saveNote", Provider: n.Provider, NoteID: n.ID, FileName: n.Title}

	f, err := o.files.Update(ctx, p, n.CloudFileID, content)
	if err != nil {
		return faults.Enhance(err, c)
	}

	now := o.now()
	modified := f.ModifiedTime
	if modified.IsZero() {
		modified = now
	}
	size := int64(len(content))
	sum := filesync.Checksum(content)
	_, err = o.meta.Update(ctx, n.ID, metadata.Patch{
		LastModified: &modified,
		LastSynced:   &now,
		Size:         &size,
		Checksum:     &sum,
	})
	if err != nil {
		return localErr(err, c)
	}
	o.log.Info(ctx, "note saved", "note", n.ID, "provider", n.Provider, "size", size)
	return nil
}

// DeleteNote removes the remote file, then the local record. A failed
// remote delete leaves the record in place.
func (o *Orchestrator) DeleteNote(ctx context.Context, id string) error {
	c := faults.Context{Operation: "deleteNote", NoteID: id}
	n, err := o.meta.Find(ctx, id)
	if err != nil {
		return localErr(err, c)
	}
	c.Provider = n.Provider
	c.FileName = n.Title

	p, err := o.provider(n.Provider, c)
	if err != nil {
		return err
	}

	l := o.noteLock(id)
	l.Lock()
	defer l.Unlock()

	if !p.IsAuthenticated(ctx) {
		return faults.Enhance(faults.New(faults.Authentication, "provider %s is not authenticated", n.Provider), c)
	}
	if err := o.files.Delete(ctx, p, n.CloudFileID); err != nil {
		return faults.Enhance(err, c)
	}
	if err := o.meta.Remove(ctx, id); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return localErr(err, c)
	}
	o.forget(ctx, id)
	o.log.Info(ctx, "note deleted", "note", id, "provider", n.Provider)
	return nil
}

func (o *Orchestrator) connectedFolder(ctx context.Context, provider string, c faults.Context) (string, error) {
	pm, found, err := o.meta.Provider(ctx, provider)
	if err != nil {
		return "", localErr(err, c)
	}
	if !found || !pm.Connected || pm.ApplicationFolderID == nil || *pm.ApplicationFolderID == "" {
		return "", faults.Enhance(faults.New(faults.Authentication, "provider %s is not connected", provider), c)
	}
	return *pm.ApplicationFolderID, nil
}

func fileOf(n metadata.NoteMetadata) cloud.File {
	return cloud.File{
		ID:           n.CloudFileID,
		Name:         n.FileName,
		ModifiedTime: n.LastModified,
		Size:         n.Size,
		MimeType:     cloud.MarkdownMIME,
	}
}

func placeholder(title string) string {
	return "# " + title + "\n\n*This note is not available offline. Please connect to the internet to view the latest content.*"
}

// sanitizeFileName turns a title into a provider-safe base name.
func sanitizeFileName(title string) string {
	name := invalidFileChars.ReplaceAllString(title, "_")
	name = whitespaceRun.ReplaceAllString(name, "-")
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = "untitled"
	}
	if r := []rune(name); len(r) > maxFileNameLen {
		name = string(r[:maxFileNameLen])
	}
	return name
}
