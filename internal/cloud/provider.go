// Package cloud defines the capability every remote storage backend
// implements, and the registry the orchestrator resolves providers from.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const MarkdownMIME = "text/markdown"

// File describes a remote object.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
}

// AuthResult is what Authenticate reports back to the caller.
type AuthResult struct {
	Success      bool
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	Error        string
}

// Provider is implemented by each storage backend. Implementations should
// return *faults.CloudError values so failures are classified at the source.
type Provider interface {
	Name() string
	DisplayName() string
	Icon() string

	Authenticate(ctx context.Context) (AuthResult, error)
	IsAuthenticated(ctx context.Context) bool
	Disconnect(ctx context.Context) error

	CreateApplicationFolder(ctx context.Context) (string, error)
	ListFiles(ctx context.Context, folderID string) ([]File, error)
	DownloadFile(ctx context.Context, fileID string) (string, error)
	UploadFile(ctx context.Context, folderID, fileName, content string) (File, error)
	UpdateFile(ctx context.Context, fileID, content string) (File, error)
	DeleteFile(ctx context.Context, fileID string) error
}

var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// All returns every provider sorted by name.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
