// Package faults classifies failures of remote storage calls and runs those
// calls under bounded exponential backoff.
//
// Adapters tag errors at the point of origin with a *CloudError. Errors that
// arrive untagged are classified by type (context deadlines, net.Error,
// HTTP-style status codes) and, as a last resort, by message text.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the failure taxonomy tag.
type Kind int

const (
	Unknown Kind = iota
	Network
	Timeout
	RateLimit
	Server
	Authentication
	Permission
	NotFound
	FileTooLarge
	Storage
	Validation
	InvalidResponse
	Offline
)

var kindNames = map[Kind]string{
	Unknown:         "unknown",
	Network:         "network",
	Timeout:         "timeout",
	RateLimit:       "rate_limit",
	Server:          "server",
	Authentication:  "authentication",
	Permission:      "permission",
	NotFound:        "not_found",
	FileTooLarge:    "file_too_large",
	Storage:         "storage",
	Validation:      "validation",
	InvalidResponse: "invalid_response",
	Offline:         "offline",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Timeout, RateLimit, Server:
		return true
	default:
		return false
	}
}

// Connectivity reports whether the kind means the remote side was unreachable.
func (k Kind) Connectivity() bool {
	return k == Network || k == Timeout || k == Offline
}

// Context describes the call an error happened in.
type Context struct {
	Operation string
	Provider  string
	NoteID    string
	FileName  string
	Attempt   int
}

// merge returns c with every non-empty field of newer applied on top.
func (c Context) merge(newer Context) Context {
	if newer.Operation != "" {
		c.Operation = newer.Operation
	}
	if newer.Provider != "" {
		c.Provider = newer.Provider
	}
	if newer.NoteID != "" {
		c.NoteID = newer.NoteID
	}
	if newer.FileName != "" {
		c.FileName = newer.FileName
	}
	if newer.Attempt != 0 {
		c.Attempt = newer.Attempt
	}
	return c
}

// CloudError is a classified failure annotated with the call it came from.
type CloudError struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Op         Context
	Err        error
}

// Kind sentinels for errors.Is matching.
var (
	ErrNetwork         = &CloudError{Kind: Network}
	ErrTimeout         = &CloudError{Kind: Timeout}
	ErrRateLimit       = &CloudError{Kind: RateLimit}
	ErrServer          = &CloudError{Kind: Server}
	ErrAuthentication  = &CloudError{Kind: Authentication}
	ErrPermission      = &CloudError{Kind: Permission}
	ErrNotFound        = &CloudError{Kind: NotFound}
	ErrFileTooLarge    = &CloudError{Kind: FileTooLarge}
	ErrStorage         = &CloudError{Kind: Storage}
	ErrValidation      = &CloudError{Kind: Validation}
	ErrInvalidResponse = &CloudError{Kind: InvalidResponse}
	ErrOffline         = &CloudError{Kind: Offline}
)

// New returns a CloudError of the given kind with a plain message.
func New(kind Kind, format string, args ...any) *CloudError {
	return &CloudError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind.
func Wrap(kind Kind, err error) *CloudError {
	return &CloudError{Kind: kind, Err: err}
}

// FromStatus builds a CloudError whose kind is derived from an HTTP status.
func FromStatus(status int, err error) *CloudError {
	return &CloudError{Kind: KindForStatus(status), StatusCode: status, Err: err}
}

func (e *CloudError) Error() string {
	var b strings.Builder
	if e.Op.Operation != "" {
		b.WriteString(e.Op.Operation)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	var attrs []string
	if e.Op.Provider != "" {
		attrs = append(attrs, "provider="+e.Op.Provider)
	}
	if e.Op.NoteID != "" {
		attrs = append(attrs, "note="+e.Op.NoteID)
	}
	if e.Op.FileName != "" {
		attrs = append(attrs, "file="+e.Op.FileName)
	}
	if e.Op.Attempt > 0 {
		attrs = append(attrs, fmt.Sprintf("attempt=%d", e.Op.Attempt))
	}
	if len(attrs) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(attrs, " "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CloudError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels (a CloudError target with no cause).
func (e *CloudError) Is(target error) bool {
	t, ok := target.(*CloudError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

func (e *CloudError) Retryable() bool {
	return e.Kind.Retryable()
}

// StatusCoder is implemented by errors that carry an HTTP-style status,
// including the AWS SDK's response errors.
type StatusCoder interface {
	HTTPStatusCode() int
}

// Classification is the result of Classify.
type Classification struct {
	Kind       Kind
	Retryable  bool
	StatusCode int
}

// KindForStatus maps an HTTP-style status code onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == 401:
		return Authentication
	case status == 403:
		return Permission
	case status == 404:
		return NotFound
	case status == 408:
		return Timeout
	case status == 413:
		return FileTooLarge
	case status == 429:
		return RateLimit
	case status == 507:
		return Storage
	case status >= 500 && status <= 599:
		return Server
	case status >= 400 && status <= 499:
		return Validation
	default:
		return Unknown
	}
}

// Classify tags err. Typed information wins; message text is consulted only
// when nothing else is known.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown}
	}

	var ce *CloudError
	if errors.As(err, &ce) {
		return Classification{Kind: ce.Kind, Retryable: ce.Retryable(), StatusCode: ce.StatusCode}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classification(Timeout, 0)
	}
	if errors.Is(err, context.Canceled) {
		return classification(Unknown, 0)
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() != 0 {
		status := sc.HTTPStatusCode()
		return classification(KindForStatus(status), status)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return classification(Timeout, 0)
		}
		return classification(Network, 0)
	}

	return classification(kindFromMessage(err.Error()), 0)
}

func classification(k Kind, status int) Classification {
	return Classification{Kind: k, Retryable: k.Retryable(), StatusCode: status}
}

var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{Timeout, []string{"timeout", "timed out"}},
	{Network, []string{"transient", "mock", "network", "connection", "offline"}},
	{RateLimit, []string{"rate limit", "too many requests"}},
	{Storage, []string{"quota", "storage full"}},
	{Server, []string{"temporarily unavailable", "service unavailable", "internal server error"}},
	{Authentication, []string{"unauthorized", "unauthenticated", "invalid token"}},
	{Permission, []string{"forbidden", "permission denied"}},
	{NotFound, []string{"not found"}},
}

func kindFromMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.kind
			}
		}
	}
	return Unknown
}

// Enhance classifies err and annotates it with c. An error that is already a
// CloudError keeps its kind and receives the newer context fields.
func Enhance(err error, c Context) *CloudError {
	if err == nil {
		return nil
	}

	var ce *CloudError
	if errors.As(err, &ce) {
		return &CloudError{
			Kind:       ce.Kind,
			StatusCode: ce.StatusCode,
			RetryAfter: ce.RetryAfter,
			Op:         ce.Op.merge(c),
			Err:        ce.Err,
		}
	}

	cl := Classify(err)
	return &CloudError{Kind: cl.Kind, StatusCode: cl.StatusCode, Op: c, Err: err}
}

// KindOf returns the taxonomy tag of err.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}
