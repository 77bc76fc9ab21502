package metadata

import (
	"errors"
	"fmt"
	"time"
)

const (
	StoreKey = "notesync-metadata"
	Version  = "1.0"
)

var (
	ErrDuplicateID = errors.New("note id already exists")
	ErrNotFound    = errors.New("note not found")
)

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid note metadata: %s %s", e.Field, e.Msg)
}

// NoteMetadata is the local record of a cloud-backed note.
type NoteMetadata struct {
	ID           string    `json:"id" validate:"notblank"`
	Title        string    `json:"title" validate:"notblank"`
	FileName     string    `json:"fileName" validate:"notblank"`
	Provider     string    `json:"provider" validate:"notblank"`
	CloudFileID  string    `json:"cloudFileId" validate:"notblank"`
	LastModified time.Time `json:"lastModified" validate:"required"`
	LastSynced   time.Time `json:"lastSynced" validate:"required"`
	Size         int64     `json:"size" validate:"gte=0"`
	Checksum     string    `json:"checksum" validate:"notblank"`
}

// ProviderMetadata is the connection record for one provider.
type ProviderMetadata struct {
	Connected           bool       `json:"connected"`
	ApplicationFolderID *string    `json:"applicationFolderId,omitempty"`
	LastSync            *time.Time `json:"lastSync,omitempty"`
	DisplayName         string     `json:"displayName"`
	Icon                string     `json:"icon"`
}

func (p ProviderMetadata) clone() ProviderMetadata {
	if p.ApplicationFolderID != nil {
		id := *p.ApplicationFolderID
		p.ApplicationFolderID = &id
	}
	if p.LastSync != nil {
		ts := *p.LastSync
		p.LastSync = &ts
	}
	return p
}

// Patch holds the fields Update may change. Nil fields are left alone.
type Patch struct {
	Title        *string
	FileName     *string
	CloudFileID  *string
	LastModified *time.Time
	LastSynced   *time.Time
	Size         *int64
	Checksum     *string
}

func (p Patch) apply(n NoteMetadata) NoteMetadata {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.FileName != nil {
		n.FileName = *p.FileName
	}
	if p.CloudFileID != nil {
		n.CloudFileID = *p.CloudFileID
	}
	if p.LastModified != nil {
		n.LastModified = *p.LastModified
	}
	if p.LastSynced != nil {
		n.LastSynced = *p.LastSynced
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
	if p.Checksum != nil {
		n.Checksum = *p.Checksum
	}
	return n
}

// document is the persisted blob.
type document struct {
	Version     string                      `json:"version"`
	LastUpdated time.Time                   `json:"lastUpdated"`
	Notes       []NoteMetadata              `json:"notes"`
	Providers   map[string]ProviderMetadata `json:"providers"`
}

func defaultDocument(now time.Time) *document {
	return &document{
		Version:     Version,
		LastUpdated: now,
		Notes:       []NoteMetadata{},
		Providers:   map[string]ProviderMetadata{},
	}
}

func (d *document) clone() *document {
	cp := &document{
		Version:     d.Version,
		LastUpdated: d.LastUpdated,
		Notes:       append([]NoteMetadata{}, d.Notes...),
		Providers:   make(map[string]ProviderMetadata, len(d.Providers)),
	}
	for k, v := range d.Providers {
		cp.Providers[k] = v.clone()
	}
	return cp
}

func (d *document) indexOf(id string) int {
	for i, n := range d.Notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}
