// Package metadata is the local system of record for note metadata.
//
// The whole store is one JSON document kept under StoreKey in a key-value
// store. It is loaded lazily, cached in memory and rewritten on every
// mutation. A document that cannot be parsed or validated is discarded and
// replaced by an empty one; Load never fails because of corruption.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/storage"
)

type Store struct {
	mu     sync.Mutex
	kv     storage.KV
	doc    *document
	now    func() time.Time
	logger logging.Logger
}

func NewStore(kv storage.KV, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{kv: kv, now: time.Now, logger: logger.With("component", "metadata")}
}

// SetClock replaces the clock used for lastUpdated.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Load returns a copy of all notes.
func (s *Store) Load(ctx context.Context) ([]NoteMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return append([]NoteMetadata{}, s.doc.Notes...), nil
}

// Reload drops the cached copy so the next access reads storage again.
func (s *Store) Reload() {
	s.mu.Lock()
	s.doc = nil
	s.mu.Unlock()
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.doc != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := s.kv.Get(ctx, StoreKey)
	switch {
	case err == nil:
		doc, perr := parse(raw)
		if perr == nil {
			s.doc = doc
			return nil
		}
		s.logger.Warn(ctx, "corrupted metadata discarded", "error", perr)
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.logger.Error(ctx, "metadata read failed, starting empty", "error", err)
	}

	doc := defaultDocument(s.now())
	if err := s.write(ctx, doc); err != nil {
		s.logger.Error(ctx, "failed to persist default metadata", "error", err)
	}
	s.doc = doc
	return nil
}

func parse(raw []byte) (*document, error) {
	if err := checkShape(raw); err != nil {
		return nil, fmt.Errorf("shape: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if doc.Version == "" {
		doc.Version = Version
	}
	if doc.Notes == nil {
		doc.Notes = []NoteMetadata{}
	}
	if doc.Providers == nil {
		doc.Providers = map[string]ProviderMetadata{}
	}
	seen := make(map[string]struct{}, len(doc.Notes))
	for _, n := range doc.Notes {
		if err := Validate(n); err != nil {
			return nil, err
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return &doc, nil
}

func (s *Store) write(ctx context.Context, doc *document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, StoreKey, raw); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the document and commits it only if it
// persists. The cached copy is untouched on any failure.
func (s *Store) mutate(ctx context.Context, fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	next := s.doc.clone()
	if err := fn(next); err != nil {
		return err
	}
	next.LastUpdated = s.now()
	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Add appends n. The id must be new and every field valid.
func (s *Store) Add(ctx context.Context, n NoteMetadata) error {
	if err := Validate(n); err != nil {
		return err
	}
	return s.mutate(ctx, func(doc *document) error {
		if doc.indexOf(n.ID) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		doc.Notes = append(doc.Notes, n)
		return nil
	})
}

// Update merges p into the note with the given id and returns the result.
func (s *Store) Update(ctx context.Context, id string, p Patch) (NoteMetadata, error) {
	var updated NoteMetadata
	err := s.mutate(ctx, func(doc *document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		merged := p.apply(doc.Notes[i])
		if err := Validate(merged); err != nil {
			return err
		}
		doc.Notes[i] = merged
		updated = merged
		return nil
	})
	return updated, err
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.mutate(ctx, func(doc *document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		doc.Notes = append(doc.Notes[:i], doc.Notes[i+1:]...)
		return nil
	})
}

// RemoveByProvider drops every note of provider and returns how many went.
func (s *Store) RemoveByProvider(ctx context.Context, provider string) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(doc *document) error {
		kept := doc.Notes[:0]
		for _, n := range doc.Notes {
			if n.Provider == provider {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		doc.Notes = kept
		return nil
	})
	return removed, err
}

// Find returns the note with id, or ErrNotFound.
func (s *Store) Find(ctx context.Context, id string) (NoteMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return NoteMetadata{}, err
	}
	if i := s.doc.indexOf(id); i >= 0 {
		return s.doc.Notes[i], nil
	}
	return NoteMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) FindByProvider(ctx context.Context, provider string) ([]NoteMetadata, error) {
	return s.filter(ctx, func(n NoteMetadata) bool { return n.Provider == provider })
}

// FindByCloudFileID returns the note of provider tracking the remote object, if any.
func (s *Store) FindByCloudFileID(ctx context.Context, provider, cloudFileID string) (NoteMetadata, bool, error) {
	notes, err := s.filter(ctx, func(n NoteMetadata) bool {
		return n.Provider == provider && n.CloudFileID == cloudFileID
	})
	if err != nil || len(notes) == 0 {
		return NoteMetadata{}, false, err
	}
	return notes[0], true, nil
}

func (s *Store) filter(ctx context.Context, keep func(NoteMetadata) bool) ([]NoteMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := []NoteMetadata{}
	for _, n := range s.doc.Notes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Provider returns the record for name and whether one exists.
func (s *Store) Provider(ctx context.Context, name string) (ProviderMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return ProviderMetadata{}, false, err
	}
	p, ok := s.doc.Providers[name]
	return p.clone(), ok, nil
}

func (s *Store) SetProvider(ctx context.Context, name string, p ProviderMetadata) error {
	return s.mutate(ctx, func(doc *document) error {
		doc.Providers[name] = p.clone()
		return nil
	})
}

// RebuildFromRemote replaces all notes with notes and resets provider
// records. Nothing changes unless every note is valid and ids are unique.
func (s *Store) RebuildFromRemote(ctx context.Context, notes []NoteMetadata) error {
	seen := make(map[string]struct{}, len(notes))
	for _, n := range notes {
		if err := Validate(n); err != nil {
			return err
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	return s.mutate(ctx, func(doc *document) error {
		fresh := defaultDocument(s.now())
		fresh.Notes = append(fresh.Notes, notes...)
		*doc = *fresh
		return nil
	})
}
