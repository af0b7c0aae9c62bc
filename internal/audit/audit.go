// Package audit records tamper-evident, append-only audit entries for
// every security-relevant action in the federation gateway. Writes on
// the invocation hot path go through a bounded background queue: audit
// is best-effort-durable but must never block or fail the business
// operation it is recording.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentc2/backend/internal/store"
)

const (
	defaultQueueSize = 256
	retryDelay       = 50 * time.Millisecond
)

// DropHandler is invoked when an async entry is dropped after its retry
// failed or the queue was full. Used to surface back-pressure as a
// metric instead of losing it silently.
type DropHandler func(entry *store.AuditEntry, reason string)

// Logger writes audit entries to the durable store.
type Logger struct {
	store  store.AuditStore
	queue  chan *store.AuditEntry
	onDrop DropHandler

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewLogger creates a Logger with a background worker draining the
// async queue. queueSize <= 0 selects the default.
func NewLogger(s store.AuditStore, queueSize int, onDrop DropHandler) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	l := &Logger{
		store:  s,
		queue:  make(chan *store.AuditEntry, queueSize),
		onDrop: onDrop,
		closed: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// Write persists an entry synchronously and returns its ID.
func (l *Logger) Write(ctx context.Context, entry *store.AuditEntry) (string, error) {
	stamp(entry)
	if err := l.store.InsertAudit(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// WriteAsync enqueues an entry for background persistence. Never blocks:
// if the queue is full the entry is dropped with a log line.
func (l *Logger) WriteAsync(entry *store.AuditEntry) {
	stamp(entry)
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.queue <- entry:
	default:
		slog.Warn("audit queue full, dropping entry",
			"action", entry.Action,
			"organization_id", entry.OrganizationID)
		l.drop(entry, "queue_full")
	}
}

// WriteFederationPair writes one entry per organization with identical
// action/outcome/metadata, so each org's audit trail is self-contained
// without cross-org queries. Fire-and-forget.
func (l *Logger) WriteFederationPair(sourceOrgID, targetOrgID, actorID, action, resource string, outcome store.AuditOutcome, metadata map[string]interface{}) {
	for _, orgID := range []string{sourceOrgID, targetOrgID} {
		l.WriteAsync(&store.AuditEntry{
			OrganizationID: orgID,
			ActorType:      store.ActorFederationAgent,
			ActorID:        actorID,
			ActorOrgID:     sourceOrgID,
			Action:         action,
			Resource:       resource,
			Outcome:        outcome,
			Metadata:       metadata,
		})
	}
}

// Query reads entries matching the filter. Action is a prefix match.
func (l *Logger) Query(ctx context.Context, q store.AuditQuery) ([]*store.AuditEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	return l.store.QueryAudit(ctx, q)
}

// Close drains the queue and stops the worker. The queue channel itself
// is never closed; a WriteAsync racing Close must not be able to send on
// a closed channel.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.closed)
	})
	l.wg.Wait()
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.queue:
			l.persist(entry)
		case <-l.closed:
			// Final drain of entries enqueued before shutdown.
			for {
				select {
				case entry := <-l.queue:
					l.persist(entry)
				default:
					return
				}
			}
		}
	}
}

// persist tries the insert, retries once, then drops with a log line.
func (l *Logger) persist(entry *store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.store.InsertAudit(ctx, entry)
	if err == nil {
		return
	}
	time.Sleep(retryDelay)
	if err = l.store.InsertAudit(ctx, entry); err == nil {
		return
	}

	slog.Error("audit write failed after retry, dropping entry",
		"action", entry.Action,
		"organization_id", entry.OrganizationID,
		"error", err)
	l.drop(entry, "write_failed")
}

func (l *Logger) drop(entry *store.AuditEntry, reason string) {
	if l.onDrop != nil {
		l.onDrop(entry, reason)
	}
}

func stamp(entry *store.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
}

// Metadata helpers for the known event families. Callers can add extra
// keys on top; the map stays open for forward compatibility.

// LifecycleMetadata describes an agreement lifecycle event.
func LifecycleMetadata(agreementID, counterpartOrgID, reason string) map[string]interface{} {
	m := map[string]interface{}{
		"agreementId":      agreementID,
		"counterpartOrgId": counterpartOrgID,
	}
	if reason != "" {
		m["reason"] = reason
	}
	return m
}

// InvocationMetadata describes a cross-org invocation event.
func InvocationMetadata(agreementID, conversationID, targetAgentSlug, policyResult string) map[string]interface{} {
	return map[string]interface{}{
		"agreementId":     agreementID,
		"conversationId":  conversationID,
		"targetAgentSlug": targetAgentSlug,
		"policyResult":    policyResult,
	}
}
