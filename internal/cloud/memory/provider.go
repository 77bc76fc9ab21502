// Package memory is an in-process cloud.Provider. It keeps files in a map,
// stores a generated token in the credential vault on Authenticate, and can
// be told to fail specific operations. The CLI registers it as a demo
// backend; tests use it as the remote side.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/vault"
	"github.com/google/uuid"
)

const tokenTTL = time.Hour

// CredentialStore is the subset of the vault the provider needs.
type CredentialStore interface {
	Save(ctx context.Context, c vault.Credentials) error
	Get(ctx context.Context, provider string, userID *string) (vault.Credentials, error)
	Remove(ctx context.Context, provider string, userID *string) error
}

type Op string

const (
	OpAuthenticate Op = "authenticate"
	OpCreateFolder Op = "create_folder"
	OpList         Op = "list"
	OpDownload     Op = "download"
	OpUpload       Op = "upload"
	OpUpdate       Op = "update"
	OpDelete       Op = "delete"
)

type object struct {
	folder   string
	name     string
	content  string
	modified time.Time
}

type Provider struct {
	name        string
	displayName string
	icon        string
	creds       CredentialStore
	now         func() time.Time
	latency     time.Duration

	mu       sync.Mutex
	folderID string
	files    map[string]*object
	failures map[Op][]error
	calls    map[Op]int
}

type Option func(*Provider)

func WithDisplay(displayName, icon string) Option {
	return func(p *Provider) {
		p.displayName = displayName
		p.icon = icon
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLatency delays every remote call by d, honoring cancellation.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

func New(name string, creds CredentialStore, opts ...Option) *Provider {
	p := &Provider{
		name:        name,
		displayName: name,
		icon:        "☁",
		creds:       creds,
		now:         time.Now,
		files:       make(map[string]*object),
		failures:    make(map[Op][]error),
		calls:       make(map[Op]int),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) DisplayName() string { return p.displayName }
func (p *Provider) Icon() string        { return p.icon }

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (p *Provider) FailNext(op Op, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Calls reports how many times op was invoked.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// begin records a call, applies latency and returns an injected failure, if any.
func (p *Provider) begin(ctx context.Context, op Op) error {
	p.mu.Lock()
	p.calls[op]++
	var injected error
	if q := p.failures[op]; len(q) > 0 {
		injected, p.failures[op] = q[0], q[1:]
	}
	p.mu.Unlock()

	if p.latency > 0 {
		if err := faults.SleepContext(ctx, p.latency); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (p *Provider) Authenticate(ctx context.Context) (cloud.AuthResult, error) {
	if err := p.begin(ctx, OpAuthenticate); err != nil {
		return cloud.AuthResult{Error: err.Error()}, err
	}

	expires := p.now().Add(tokenTTL)
	c := vault.Credentials{
		Provider:    p.name,
		AccessToken: "mem-token-" + uuid.NewString(),
		ExpiresAt:   &expires,
		Scope:       []string{"files.readwrite.appfolder"},
	}
	if err := p.creds.Save(ctx, c); err != nil {
		err = faults.Wrap(faults.Authentication, fmt.Errorf("store credentials: %w", err))
		return cloud.AuthResult{Error: err.Error()}, err
	}
	return cloud.AuthResult{Success: true, AccessToken: c.AccessToken, ExpiresAt: c.ExpiresAt}, nil
}

func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	_, err := p.creds.Get(ctx, p.name, nil)
	return err == nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	err := p.creds.Remove(ctx, p.name, nil)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	return nil
}

func (p *Provider) requireAuth(ctx context.Context) error {
	if !p.IsAuthenticated(ctx) {
		return &faults.CloudError{Kind: faults.Authentication, StatusCode: 401, Err: errors.New("not authenticated")}
	}
	return nil
}

func (p *Provider) CreateApplicationFolder(ctx context.Context) (string, error) {
	if err := p.begin(ctx, OpCreateFolder); err != nil {
		return "", err
	}
	if err := p.requireAuth(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.folderID == "" {
		p.folderID = "folder-" + uuid.NewString()
	}
	return p.folderID, nil
}

func (p *Provider) ListFiles(ctx context.Context, folderID string) ([]cloud.File, error) {
	if err := p.begin(ctx, OpList); err != nil {
		return nil, err
	}
	if err := p.requireAuth(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := []cloud.File{}
	for id, o := range p.files {
		if o.folder == folderID {
			out = append(out, o.describe(id))
		}
	}
	return out, nil
}

func (p *Provider) DownloadFile(ctx context.Context, fileID string) (string, error) {
	if err := p.begin(ctx, OpDownload); err != nil {
		return "", err
	}
	if err := p.requireAuth(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.files[fileID]
	if !ok {
		return "", notFound(fileID)
	}
	return o.content, nil
}

func (p *Provider) UploadFile(ctx context.Context, folderID, fileName, content string) (cloud.File, error) {
	if err := p.begin(ctx, OpUpload); err != nil {
		return cloud.File{}, err
	}
	if err := p.requireAuth(ctx); err != nil {
		return cloud.File{}, err
	}
	if !strings.HasSuffix(fileName, ".md") {
		fileName += ".md"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := "file-" + uuid.NewString()
	o := &object{folder: folderID, name: fileName, content: content, modified: p.now()}
	p.files[id] = o
	return o.describe(id), nil
}

func (p *Provider) UpdateFile(ctx context.Context, fileID, content string) (cloud.File, error) {
	if err := p.begin(ctx, OpUpdate); err != nil {
		return cloud.File{}, err
	}
	if err := p.requireAuth(ctx); err != nil {
		return cloud.File{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.files[fileID]
	if !ok {
		return cloud.File{}, notFound(fileID)
	}
	o.content = content
	o.modified = p.now()
	return o.describe(fileID), nil
}

func (p *Provider) DeleteFile(ctx context.Context, fileID string) error {
	if err := p.begin(ctx, OpDelete); err != nil {
		return err
	}
	if err := p.requireAuth(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[fileID]; !ok {
		return notFound(fileID)
	}
	delete(p.files, fileID)
	return nil
}

// PutRemote creates a file as another client would, bypassing auth and failures.
func (p *Provider) PutRemote(folderID, name, content string) cloud.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "file-" + uuid.NewString()
	o := &object{folder: folderID, name: name, content: content, modified: p.now()}
	p.files[id] = o
	return o.describe(id)
}

// SetRemoteContent overwrites a file as another client would.
func (p *Provider) SetRemoteContent(fileID, content string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.files[fileID]
	if !ok {
		return false
	}
	o.content = content
	o.modified = p.now()
	return true
}

// Content returns the stored content of a file.
func (p *Provider) Content(fileID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.files[fileID]
	if !ok {
		return "", false
	}
	return o.content, true
}

func (o *object) describe(id string) cloud.File {
	return cloud.File{
		ID:           id,
		Name:         o.name,
		ModifiedTime: o.modified,
		Size:         int64(len(o.content)),
		MimeType:     cloud.MarkdownMIME,
	}
}

func notFound(id string) error {
	return &faults.CloudError{Kind: faults.NotFound, StatusCode: 404, Err: fmt.Errorf("file %s not found", id)}
}
