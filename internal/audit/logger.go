// Package audit records a sanitized entry for every externally effectful
// call.
//
// Logging is best effort and never blocks or fails the caller: LogWriteAction
// hands the entry to a detached goroutine, and persistence failures are only
// logged (and reported to an optional error sink).
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/toolrun/internal/metrics"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolerr"
)

// DefaultConnectionCacheSize bounds the connection-id cache.
const DefaultConnectionCacheSize = 256

// ErrNoConnection is returned by a ConnectionLookup when the org has no
// connection for the integration.
var ErrNoConnection = errors.New("no integration connection")

// ActionType is the kind of effect an audited call has.
type ActionType string

const (
	ActionWrite  ActionType = "WRITE"
	ActionMutate ActionType = "MUTATE"
	ActionNotify ActionType = "NOTIFY"
)

// Status is the outcome recorded for an audited call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusDryRun          Status = "dry_run"
	StatusPendingApproval Status = "pending_approval"
)

// Entry describes one effectful call as seen by the executor.
type Entry struct {
	OrgID         string         `json:"orgId"`
	UserID        string         `json:"userId,omitempty"`
	ToolID        string         `json:"toolId"`
	ActionID      string         `json:"actionId"`
	RunID         string         `json:"runId,omitempty"`
	ActionType    ActionType     `json:"actionType"`
	IntegrationID string         `json:"integrationId"`
	Input         map[string]any `json:"input,omitempty"`
	Output        any            `json:"output,omitempty"`
	Status        Status         `json:"status"`
	DurationMs    int64          `json:"durationMs"`
	Error         string         `json:"error,omitempty"`
}

// Record is the persisted, sanitized form of an Entry.
type Record struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Entry
	CreatedAt time.Time `json:"createdAt"`
}

// Sink persists audit records. Records are never updated once inserted.
type Sink interface {
	InsertAudit(ctx context.Context, rec Record) error
}

// ConnectionLookup finds the connection id for (orgID, integrationID).
// It returns ErrNoConnection when none exists.
type ConnectionLookup interface {
	LookupConnection(ctx context.Context, orgID, integrationID string) (string, error)
}

// Logger is the write-audit logger.
type Logger struct {
	sink    Sink
	conns   ConnectionLookup
	cache   *lru.Cache[string, string]
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   run.Clock
	ids     run.IDGenerator
	onError func(error)

	cacheSize int
	wg        sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithMetrics sets the metrics handle used to count dropped entries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(c run.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// WithIDGenerator sets the generator for record ids.
func WithIDGenerator(g run.IDGenerator) Option {
	return func(l *Logger) { l.ids = g }
}

// WithErrorSink receives every persistence failure. It is called from the
// logging goroutine.
func WithErrorSink(fn func(error)) Option {
	return func(l *Logger) { l.onError = fn }
}

// WithConnectionCacheSize bounds the connection-id LRU cache.
func WithConnectionCacheSize(n int) Option {
	return func(l *Logger) { l.cacheSize = n }
}

// New creates a Logger writing to sink and resolving connections via conns.
func New(sink Sink, conns ConnectionLookup, opts ...Option) *Logger {
	l := &Logger{
		sink:      sink,
		conns:     conns,
		log:       slog.Default(),
		clock:     run.SystemClock{},
		ids:       run.UUIDv7Generator{},
		cacheSize: DefaultConnectionCacheSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheSize <= 0 {
		l.cacheSize = DefaultConnectionCacheSize
	}
	cache, err := lru.New[string, string](l.cacheSize)
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(err)
	}
	l.cache = cache
	return l
}

// LogWriteAction records e in the background. It never blocks on
// persistence and never returns an error. A nil Logger is a no-op.
func (l *Logger) LogWriteAction(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("audit logger panicked", "event", "audit_panic", "panic", r, "action_id", e.ActionID)
				l.metrics.IncAuditDropped("panic")
			}
		}()
		if err := l.Write(ctx, e); err != nil {
			l.report(err)
		}
	}()
}

// Wait blocks until all in-flight LogWriteAction calls have finished.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}

// Write synchronously sanitizes and persists e.
//
// A missing connection is logged as a warning and returns nil: there is
// nothing to attach the record to. Any other failure is returned as an
// AUDIT_PERSISTENCE error.
func (l *Logger) Write(ctx context.Context, e Entry) error {
	connID, err := l.connectionID(ctx, e.OrgID, e.IntegrationID)
	if errors.Is(err, ErrNoConnection) {
		l.log.Warn("no integration connection for audit entry",
			"event", "audit_no_connection",
			"org_id", e.OrgID,
			"integration_id", e.IntegrationID,
			"action_id", e.ActionID,
		)
		l.metrics.IncAuditDropped("no_connection")
		return nil
	}
	if err != nil {
		l.metrics.IncAuditDropped("lookup_failed")
		return toolerr.Wrap(toolerr.CodeAuditPersistence, err, "look up integration connection")
	}

	rec := Record{
		ID:           l.ids.Generate(),
		ConnectionID: connID,
		Entry:        e,
		CreatedAt:    l.clock.Now(),
	}
	rec.Input = SanitizeInput(e.Input)
	rec.Output = SummarizeOutput(e.Output)

	if err := l.sink.InsertAudit(ctx, rec); err != nil {
		l.metrics.IncAuditDropped("persist_failed")
		return toolerr.Wrap(toolerr.CodeAuditPersistence, err, "insert audit record")
	}
	l.log.Debug("audit entry recorded",
		"event", "audit_recorded",
		"audit_id", rec.ID,
		"action_id", e.ActionID,
		"status", e.Status,
	)
	return nil
}

func (l *Logger) connectionID(ctx context.Context, orgID, integrationID string) (string, error) {
	key := orgID + "\x00" + integrationID
	if id, ok := l.cache.Get(key); ok {
		return id, nil
	}
	id, err := l.conns.LookupConnection(ctx, orgID, integrationID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNoConnection
	}
	l.cache.Add(key, id)
	return id, nil
}

func (l *Logger) report(err error) {
	l.log.Error("audit entry not persisted", "event", "audit_failed", "error", err)
	if l.onError != nil {
		l.onError(err)
	}
}
