// Package vault stores per-provider access credentials encrypted under a
// user master secret.
//
// The vault has three states. Uninitialized means no master secret was ever
// set. Locked means a secret exists but is not held in memory. Unlocked means
// the derived key is in memory and credentials can be read and written.
//
// Persisted layout (all JSON in the key-value store):
//
//	notesync-master-verifier  {salt, verifier}   verifier = sha256(argon2id(secret, salt))
//	notesync-credentials      []StoredCredential encrypted = base64(nonce || AES-GCM ciphertext)
package vault

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/notesync/internal/cryptox"
	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/storage"
)

const (
	CredentialsKey = "notesync-credentials"
	VerifierKey    = "notesync-master-verifier"

	MinSecretLength = 8
)

var (
	ErrWeakSecret = errors.New("master secret must be at least 8 characters long")
	ErrLocked     = errors.New("vault is locked")
	ErrNoSecret   = errors.New("master secret is not set")
	ErrNotFound   = errors.New("credentials not found")
	ErrDecrypt    = errors.New("credentials cannot be decrypted")
)

type State int

const (
	Uninitialized State = iota
	Locked
	Unlocked
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	}
	return "unknown"
}

// Credentials is the decrypted form. It never leaves memory unencrypted.
type Credentials struct {
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken *string    `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Scope        []string   `json:"scope"`
	UserID       *string    `json:"userId,omitempty"`
}

// StoredCredential is one persisted entry. Provider, UserID and ExpiresAt
// stay in clear so entries can be matched and expired without the key.
type StoredCredential struct {
	Encrypted string     `json:"encrypted"`
	Provider  string     `json:"provider"`
	UserID    *string    `json:"userId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Account identifies a stored entry without exposing its secret part.
type Account struct {
	Provider  string
	UserID    *string
	ExpiresAt *time.Time
}

type masterRecord struct {
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type Vault struct {
	mu     sync.RWMutex
	kv     storage.KV
	key    []byte
	state  State
	now    func() time.Time
	logger logging.Logger
}

type Option func(*Vault)

func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// New opens the vault over kv. It starts Locked when a master secret was set
// before, Uninitialized otherwise.
func New(ctx context.Context, kv storage.KV, opts ...Option) (*Vault, error) {
	v := &Vault{kv: kv, now: time.Now, logger: logging.Nop()}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With("component", "vault")

	_, err := kv.Get(ctx, VerifierKey)
	switch {
	case err == nil:
		v.state = Locked
	case errors.Is(err, storage.ErrNotFound):
		v.state = Uninitialized
	default:
		return nil, fmt.Errorf("read master verifier: %w", err)
	}
	return v, nil
}

func (v *Vault) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// HasSecret reports whether a master secret has ever been set.
func (v *Vault) HasSecret() bool {
	return v.State() != Uninitialized
}

func (v *Vault) IsUnlocked() bool {
	return v.State() == Unlocked
}

// SetMasterSecret initializes the vault with secret and unlocks it.
//
// On an unlocked vault this rotates the secret: every stored credential is
// re-encrypted under the new key. A locked vault must be unlocked first.
func (v *Vault) SetMasterSecret(ctx context.Context, secret []byte) error {
	if len(secret) < MinSecretLength {
		return ErrWeakSecret
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == Locked {
		return ErrLocked
	}

	salt, err := cryptox.GenerateRandBytes(cryptox.SaltSize)
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key := cryptox.DeriveMasterKey(secret, salt)

	var rotated []StoredCredential
	if v.state == Unlocked {
		rotated, err = v.reencryptLocked(ctx, key)
		if err != nil {
			cryptox.WipeByteArray(key)
			return err
		}
	}

	rec, err := json.Marshal(masterRecord{Salt: salt, Verifier: cryptox.MakeVerifier(key)})
	if err != nil {
		return err
	}
	// The verifier and the re-encrypted list must change together, or the
	// stored credentials become unreadable under either secret.
	b := storage.Batch{}
	b.Set(VerifierKey, rec)
	if v.state == Unlocked {
		if err := stage(b, rotated); err != nil {
			cryptox.WipeByteArray(key)
			return err
		}
	}
	if err := v.kv.Apply(ctx, b); err != nil {
		cryptox.WipeByteArray(key)
		return fmt.Errorf("save master verifier: %w", err)
	}

	cryptox.WipeByteArray(v.key)
	v.key = key
	v.state = Unlocked
	v.logger.Info(ctx, "master secret set", "rotated", len(rotated))
	return nil
}

func (v *Vault) reencryptLocked(ctx context.Context, newKey []byte) ([]StoredCredential, error) {
	list, err := v.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StoredCredential, 0, len(list))
	for _, sc := range list {
		c, err := v.decrypt(sc)
		if err != nil {
			v.logger.Warn(ctx, "dropping unreadable credential", "provider", sc.Provider)
			continue
		}
		enc, err := encrypt(newKey, c)
		if err != nil {
			return nil, err
		}
		sc.Encrypted = enc
		out = append(out, sc)
	}
	return out, nil
}

// Lock discards the in-memory key. Persisted data is untouched.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	cryptox.WipeByteArray(v.key)
	v.key = nil
	if v.state == Unlocked {
		v.state = Locked
	}
}

// Unlock checks secret against the stored verifier. A mismatch returns false
// and leaves everything as it was.
func (v *Vault) Unlock(ctx context.Context, secret []byte) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := v.kv.Get(ctx, VerifierKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrNoSecret
	}
	if err != nil {
		return false, fmt.Errorf("read master verifier: %w", err)
	}

	var rec masterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("decode master verifier: %w", err)
	}

	candidate := cryptox.DeriveMasterKey(secret, rec.Salt)
	if subtle.ConstantTimeCompare(rec.Verifier, cryptox.MakeVerifier(candidate)) == 0 {
		cryptox.WipeByteArray(candidate)
		return false, nil
	}

	cryptox.WipeByteArray(v.key)
	v.key = candidate
	v.state = Unlocked
	return true, nil
}

// ClearMasterSecret forgets the secret and every stored credential.
func (v *Vault) ClearMasterSecret(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	b := storage.Batch{}
	b.Delete(VerifierKey)
	b.Delete(CredentialsKey)
	if err := v.kv.Apply(ctx, b); err != nil {
		return err
	}
	cryptox.WipeByteArray(v.key)
	v.key = nil
	v.state = Uninitialized
	return nil
}

func (v *Vault) requireUnlockedLocked() error {
	switch v.state {
	case Uninitialized:
		return ErrNoSecret
	case Locked:
		return ErrLocked
	}
	return nil
}

// Save encrypts c and upserts it under (provider, userID).
func (v *Vault) Save(ctx context.Context, c Credentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}

	enc, err := encrypt(v.key, c)
	if err != nil {
		return err
	}

	list, err := v.readLocked(ctx)
	if err != nil {
		return err
	}

	out := make([]StoredCredential, 0, len(list)+1)
	for _, sc := range list {
		if sc.Provider == c.Provider && sameUser(sc.UserID, c.UserID) {
			continue
		}
		out = append(out, sc)
	}
	out = append(out, StoredCredential{
		Encrypted: enc,
		Provider:  c.Provider,
		UserID:    cloneString(c.UserID),
		ExpiresAt: cloneTime(c.ExpiresAt),
	})

	if err := v.writeLocked(ctx, out); err != nil {
		return err
	}
	v.logger.Debug(ctx, "credentials saved", "provider", c.Provider)
	return nil
}

// Get returns the credentials for provider. A nil userID matches the first
// entry for the provider. Expired entries are deleted and reported as ErrNotFound.
func (v *Vault) Get(ctx context.Context, provider string, userID *string) (Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return Credentials{}, err
	}

	list, err := v.readLocked(ctx)
	if err != nil {
		return Credentials{}, err
	}

	idx := -1
	for i, sc := range list {
		if sc.Provider == provider && (userID == nil || sameUser(sc.UserID, userID)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Credentials{}, ErrNotFound
	}

	found := list[idx]
	if v.expired(found.ExpiresAt) {
		out := append(list[:idx:idx], list[idx+1:]...)
		if err := v.writeLocked(ctx, out); err != nil {
			return Credentials{}, err
		}
		v.logger.Info(ctx, "expired credentials removed", "provider", provider)
		return Credentials{}, ErrNotFound
	}

	c, err := v.decrypt(found)
	if err != nil {
		return Credentials{}, err
	}
	c.ExpiresAt = cloneTime(found.ExpiresAt)
	return c, nil
}

// Has reports whether an entry for exactly (provider, userID) exists.
func (v *Vault) Has(ctx context.Context, provider string, userID *string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return false, err
	}
	list, err := v.readLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, sc := range list {
		if sc.Provider == provider && sameUser(sc.UserID, userID) {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes the entry for exactly (provider, userID).
func (v *Vault) Remove(ctx context.Context, provider string, userID *string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	list, err := v.readLocked(ctx)
	if err != nil {
		return err
	}

	out := list[:0]
	for _, sc := range list {
		if sc.Provider == provider && sameUser(sc.UserID, userID) {
			continue
		}
		out = append(out, sc)
	}
	return v.writeLocked(ctx, out)
}

// Update applies fn to the current credentials and saves the result. Used
// for token refresh; the provider cannot be changed.
func (v *Vault) Update(ctx context.Context, provider string, userID *string, fn func(*Credentials)) error {
	c, err := v.Get(ctx, provider, userID)
	if err != nil {
		return err
	}
	fn(&c)
	c.Provider = provider
	return v.Save(ctx, c)
}

// ConnectedProviders lists every stored entry, including expired ones.
func (v *Vault) ConnectedProviders(ctx context.Context) ([]Account, error) {
	return v.accounts(ctx, func(StoredCredential) bool { return true })
}

// ExpiredCredentials lists entries whose expiry has passed.
func (v *Vault) ExpiredCredentials(ctx context.Context) ([]Account, error) {
	return v.accounts(ctx, func(sc StoredCredential) bool { return v.expired(sc.ExpiresAt) })
}

func (v *Vault) accounts(ctx context.Context, keep func(StoredCredential) bool) ([]Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	list, err := v.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(list))
	for _, sc := range list {
		if keep(sc) {
			out = append(out, Account{Provider: sc.Provider, UserID: cloneString(sc.UserID), ExpiresAt: cloneTime(sc.ExpiresAt)})
		}
	}
	return out, nil
}

// ClearAll removes every stored credential but keeps the master secret.
// The vault must be unlocked.
func (v *Vault) ClearAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	return v.kv.Delete(ctx, CredentialsKey)
}

func (v *Vault) expired(at *time.Time) bool {
	return at != nil && !at.After(v.now())
}

// readLocked loads the stored list. A corrupted list is cleared and read as empty.
func (v *Vault) readLocked(ctx context.Context) ([]StoredCredential, error) {
	raw, err := v.kv.Get(ctx, CredentialsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var list []StoredCredential
	if err := json.Unmarshal(raw, &list); err != nil {
		v.logger.Warn(ctx, "corrupted credential list cleared", "error", err)
		if err := v.kv.Delete(ctx, CredentialsKey); err != nil {
			return nil, fmt.Errorf("clear corrupted credentials: %w", err)
		}
		return nil, nil
	}
	return list, nil
}

// writeLocked persists list; an empty list removes the key.
func (v *Vault) writeLocked(ctx context.Context, list []StoredCredential) error {
	b := storage.Batch{}
	if err := stage(b, list); err != nil {
		return err
	}
	if err := v.kv.Apply(ctx, b); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func stage(b storage.Batch, list []StoredCredential) error {
	if len(list) == 0 {
		b.Delete(CredentialsKey)
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	b.Set(CredentialsKey, raw)
	return nil
}

func (v *Vault) decrypt(sc StoredCredential) (Credentials, error) {
	sealed, err := base64.StdEncoding.DecodeString(sc.Encrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := cryptox.Open(v.key, sealed)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return c, nil
}

func encrypt(key []byte, c Credentials) (string, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sealed, err := cryptox.Seal(key, plain)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func sameUser(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
