package pipeline

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/storage"
)

// Tracking keys present on every invocation
const (
	TrackOperationID = "track.operation_id"
	TrackRequestID   = "track.request_id"
	TrackRequestTS   = "track.request_ts"
)

// Header keys used to carry invocation metadata across a stream
const (
	HeaderEvent       = "stepstreams.event"
	HeaderAuthSubject = "auth.subject"
	HeaderAuthScopes  = "auth.scopes"
	headerClaimPrefix = "auth.claim."
)

// Auth is the authorization metadata of an invocation
type Auth struct {
	Subject string
	Scopes  []string
	Claims  map[string]string
}

// HasScope reports whether scope was granted
func (a Auth) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

func (a Auth) clone() Auth {
	return Auth{Subject: a.Subject, Scopes: slices.Clone(a.Scopes), Claims: maps.Clone(a.Claims)}
}

// Capabilities are the client objects stages may use. They are built by the
// hosting process and injected into every invocation.
type Capabilities struct {
	Store  storage.Store
	Logger *slog.Logger
}

// Invocation identifies one unit of work. It is immutable: accessors return
// copies and stages cannot change it.
type Invocation struct {
	id       string
	event    string
	tracking map[string]string
	auth     Auth
	caps     Capabilities
	started  time.Time
}

// InvocationOption configures NewInvocation
type InvocationOption func(*Invocation)

// WithInvocationID overrides the generated id
func WithInvocationID(id string) InvocationOption {
	return func(inv *Invocation) {
		inv.id = id
	}
}

// WithTracking adds tracking identifiers. A track.operation_id entry is
// kept, so chained invocations share one operation id.
func WithTracking(tracking map[string]string) InvocationOption {
	return func(inv *Invocation) {
		maps.Copy(inv.tracking, tracking)
	}
}

// WithAuth sets the authorization metadata
func WithAuth(auth Auth) InvocationOption {
	return func(inv *Invocation) {
		inv.auth = auth.clone()
	}
}

// WithCapabilities injects client objects
func WithCapabilities(caps Capabilities) InvocationOption {
	return func(inv *Invocation) {
		inv.caps = caps
	}
}

// NewInvocation creates an invocation for an event
func NewInvocation(event string, opts ...InvocationOption) *Invocation {
	inv := &Invocation{
		id:       uuid.NewString(),
		event:    event,
		tracking: make(map[string]string),
		started:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	inv.tracking[TrackRequestID] = inv.id
	inv.tracking[TrackRequestTS] = inv.started.Format(time.RFC3339Nano)
	if inv.tracking[TrackOperationID] == "" {
		inv.tracking[TrackOperationID] = inv.id
	}
	return inv
}

// FromMessage rebuilds an invocation for a record read from a stream. The
// operation id and authorization travel in the message headers; the
// request id and timestamp are fresh.
func FromMessage(msg *message.StreamMessage, caps Capabilities) *Invocation {
	tracking := make(map[string]string)
	auth := Auth{}
	event := msg.Stream

	for key, value := range msg.Headers {
		switch {
		case key == HeaderEvent:
			event = value
		case key == HeaderAuthSubject:
			auth.Subject = value
		case key == HeaderAuthScopes:
			if value != "" {
				auth.Scopes = strings.Split(value, ",")
			}
		case strings.HasPrefix(key, headerClaimPrefix):
			if auth.Claims == nil {
				auth.Claims = make(map[string]string)
			}
			auth.Claims[strings.TrimPrefix(key, headerClaimPrefix)] = value
		case key == TrackRequestID || key == TrackRequestTS:
		default:
			tracking[key] = value
		}
	}

	return NewInvocation(event, WithTracking(tracking), WithAuth(auth), WithCapabilities(caps))
}

// ID returns the invocation id
func (inv *Invocation) ID() string {
	if inv == nil {
		return ""
	}
	return inv.id
}

// Event returns the name of the event that started the invocation
func (inv *Invocation) Event() string {
	return inv.event
}

// Started returns when the invocation was created
func (inv *Invocation) Started() time.Time {
	return inv.started
}

// Tracking returns a copy of the tracking identifiers
func (inv *Invocation) Tracking() map[string]string {
	return maps.Clone(inv.tracking)
}

// Track returns one tracking identifier
func (inv *Invocation) Track(key string) string {
	return inv.tracking[key]
}

// OperationID returns the id shared by every invocation of one chain
func (inv *Invocation) OperationID() string {
	return inv.tracking[TrackOperationID]
}

// Auth returns a copy of the authorization metadata
func (inv *Invocation) Auth() Auth {
	return inv.auth.clone()
}

// Store returns the injected storage, nil when none was configured
func (inv *Invocation) Store() storage.Store {
	return inv.caps.Store
}

// Logger returns the injected logger tagged with the invocation id
func (inv *Invocation) Logger() *slog.Logger {
	logger := inv.caps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("invocation_id", inv.id, "operation_id", inv.OperationID())
}

// Headers returns the stream headers that carry this invocation across a
// SHUFFLE
func (inv *Invocation) Headers() map[string]string {
	headers := maps.Clone(inv.tracking)
	headers[HeaderEvent] = inv.event
	if inv.auth.Subject != "" {
		headers[HeaderAuthSubject] = inv.auth.Subject
	}
	if len(inv.auth.Scopes) > 0 {
		headers[HeaderAuthScopes] = strings.Join(inv.auth.Scopes, ",")
	}
	for k, v := range inv.auth.Claims {
		headers[headerClaimPrefix+k] = v
	}
	return headers
}
