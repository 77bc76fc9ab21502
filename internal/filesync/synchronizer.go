// Package filesync moves note content between the client and a cloud
// provider. Every remote call is throttled per provider, bounded by a
// timeout and retried through a faults.Executor.
package filesync

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/metadata"
)

// Decision is the reconciliation verdict for one note.
type Decision int

const (
	NoOp Decision = iota
	Refresh
	PushLocal
	AdoptRemote
	Conflict
)

func (d Decision) String() string {
	switch d {
	case Refresh:
		return "refresh"
	case PushLocal:
		return "push_local"
	case AdoptRemote:
		return "adopt_remote"
	case Conflict:
		return "conflict"
	default:
		return "noop"
	}
}

// Outcome describes what SyncOne did. Content and Checksum are the
// authoritative values after the sync; Remote is set when a write happened.
type Outcome struct {
	Decision  Decision
	Processed int
	Content   string
	Checksum  string
	Remote    *cloud.File
	Conflict  *ConflictCopy
}

type Options struct {
	Executor *faults.Executor
	Logger   logging.Logger
	// RPS and Burst bound calls per provider; RPS <= 0 disables throttling.
	RPS   float64
	Burst int
	Now   func() time.Time

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Synchronizer struct {
	exec         *faults.Executor
	log          logging.Logger
	limit        *limiters
	now          func() time.Time
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func New(opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Executor == nil {
		opts.Executor = faults.NewExecutor(faults.DefaultPolicy(), opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = faults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = faults.WriteTimeout
	}
	return &Synchronizer{
		exec:         opts.Executor,
		log:          opts.Logger.With("component", "filesync"),
		limit:        newLimiters(opts.RPS, opts.Burst),
		now:          opts.Now,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

// call runs one remote operation: retried, throttled and bounded by d.
func call[T any](ctx context.Context, s *Synchronizer, p cloud.Provider, c faults.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	c.Provider = p.Name()
	return faults.Run(ctx, s.exec, c, func(ctx context.Context) (T, error) {
		if err := s.limit.wait(ctx, p.Name()); err != nil {
			var zero T
			return zero, err
		}
		return faults.WithTimeout(ctx, d, op)
	})
}

// ValidateContent rejects content no provider write would accept.
func ValidateContent(content string) error {
	if content == "" {
		return faults.New(faults.Validation, "content must not be empty")
	}
	return nil
}

// Upload creates a new markdown file in folderID. The name gets a .md
// suffix when it lacks one.
func (s *Synchronizer) Upload(ctx context.Context, p cloud.Provider, folderID, fileName, content string) (cloud.File, error) {
	c := faults.Context{Operation: "upload", Provider: p.Name(), FileName: fileName}
	if strings.TrimSpace(fileName) == "" {
		return cloud.File{}, faults.Enhance(faults.New(faults.Validation, "file name must not be empty"), c)
	}
	if err := ValidateContent(content); err != nil {
		return cloud.File{}, faults.Enhance(err, c)
	}
	if !strings.HasSuffix(fileName, ".md") {
		fileName += ".md"
	}
	c.FileName = fileName

	f, err := call(ctx, s, p, c, s.writeTimeout, func(ctx context.Context) (cloud.File, error) {
		f, err := p.UploadFile(ctx, folderID, fileName, content)
		if err != nil {
			return cloud.File{}, err
		}
		return f, checkFile(f)
	})
	if err != nil {
		return cloud.File{}, err
	}
	s.log.Info(ctx, "file uploaded", "provider", p.Name(), "file", f.Name, "id", f.ID, "size", f.Size)
	return f, nil
}

// List returns the files in folderID.
func (s *Synchronizer) List(ctx context.Context, p cloud.Provider, folderID string) ([]cloud.File, error) {
	c := faults.Context{Operation: "list"}
	files, err := call(ctx, s, p, c, s.readTimeout, func(ctx context.Context) ([]cloud.File, error) {
		return p.ListFiles(ctx, folderID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "files listed", "provider", p.Name(), "folder", folderID, "count", len(files))
	return files, nil
}

// Download returns the text content of f.
func (s *Synchronizer) Download(ctx context.Context, p cloud.Provider, f cloud.File) (string, error) {
	c := faults.Context{Operation: "download", FileName: f.Name}
	if f.ID == "" {
		return "", faults.Enhance(faults.New(faults.Validation, "file id must not be empty"), c)
	}

	content, err := call(ctx, s, p, c, s.readTimeout, func(ctx context.Context) (string, error) {
		content, err := p.DownloadFile(ctx, f.ID)
		if err != nil {
			return "", err
		}
		if !utf8.ValidString(content) {
			return "", faults.New(faults.InvalidResponse, "file %s is not valid text", f.ID)
		}
		return content, nil
	})
	if err != nil {
		return "", err
	}
	s.log.Debug(ctx, "file downloaded", "provider", p.Name(), "id", f.ID, "size", len(content))
	return content, nil
}

// Update replaces the content of an existing file.
func (s *Synchronizer) Update(ctx context.Context, p cloud.Provider, fileID, content string) (cloud.File, error) {
	c := faults.Context{Operation: "update", Provider: p.Name()}
	if fileID == "" {
		return cloud.File{}, faults.Enhance(faults.New(faults.Validation, "file id must not be empty"), c)
	}
	if err := ValidateContent(content); err != nil {
		return cloud.File{}, faults.Enhance(err, c)
	}

	f, err := call(ctx, s, p, c, s.writeTimeout, func(ctx context.Context) (cloud.File, error) {
		f, err := p.UpdateFile(ctx, fileID, content)
		if err != nil {
			return cloud.File{}, err
		}
		return f, checkFile(f)
	})
	if err != nil {
		return cloud.File{}, err
	}
	s.log.Info(ctx, "file updated", "provider", p.Name(), "id", f.ID, "size", f.Size)
	return f, nil
}

func (s *Synchronizer) Delete(ctx context.Context, p cloud.Provider, fileID string) error {
	c := faults.Context{Operation: "delete", Provider: p.Name()}
	if fileID == "" {
		return faults.Enhance(faults.New(faults.Validation, "file id must not be empty"), c)
	}

	_, err := call(ctx, s, p, c, s.writeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.DeleteFile(ctx, fileID)
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "file deleted", "provider", p.Name(), "id", fileID)
	return nil
}

// SyncOne reconciles one note. local is the client's copy; nil means the
// client holds none and the remote content is simply fetched.
//
// With stored being meta.Checksum:
//
//	local == remote == stored      NoOp
//	remote == stored, local moved  PushLocal
//	local == stored, remote moved  AdoptRemote
//	local == remote, stored stale  AdoptRemote (nothing to write)
//	all three differ               Conflict: remote wins, local kept as a copy
func (s *Synchronizer) SyncOne(ctx context.Context, p cloud.Provider, meta metadata.NoteMetadata, local *string) (Outcome, error) {
	remote, err := s.Download(ctx, p, cloud.File{ID: meta.CloudFileID, Name: meta.FileName})
	if err != nil {
		return Outcome{}, faults.Enhance(err, faults.Context{NoteID: meta.ID})
	}
	remoteSum := Checksum(remote)

	if local == nil {
		return Outcome{Decision: Refresh, Processed: 1, Content: remote, Checksum: remoteSum}, nil
	}

	localSum := Checksum(*local)
	stored := meta.Checksum

	switch {
	case localSum == remoteSum && remoteSum == stored:
		return Outcome{Decision: NoOp, Content: remote, Checksum: remoteSum}, nil

	case localSum == remoteSum:
		return Outcome{Decision: AdoptRemote, Processed: 1, Content: remote, Checksum: remoteSum}, nil

	case remoteSum == stored:
		f, err := s.Update(ctx, p, meta.CloudFileID, *local)
		if err != nil {
			return Outcome{}, faults.Enhance(err, faults.Context{NoteID: meta.ID})
		}
		return Outcome{Decision: PushLocal, Processed: 1, Content: *local, Checksum: localSum, Remote: &f}, nil

	case localSum == stored:
		return Outcome{Decision: AdoptRemote, Processed: 1, Content: remote, Checksum: remoteSum}, nil
	}

	s.log.Warn(ctx, "sync conflict, keeping remote version",
		"note", meta.ID, "provider", p.Name(), "local", localSum, "remote", remoteSum, "stored", stored)

	out := Outcome{
		Decision:  Conflict,
		Processed: 1,
		Content:   remote,
		Checksum:  remoteSum,
		Conflict:  newConflictCopy(meta.ID, p.Name(), meta.FileName, remote, *local, s.now()),
	}
	if remote != "" {
		f, err := s.Update(ctx, p, meta.CloudFileID, remote)
		if err != nil {
			return Outcome{}, faults.Enhance(err, faults.Context{NoteID: meta.ID})
		}
		out.Remote = &f
	}
	return out, nil
}

func checkFile(f cloud.File) error {
	if f.ID == "" || f.Name == "" {
		return faults.New(faults.InvalidResponse, "provider returned a file without id or name")
	}
	return nil
}
