package audit

import (
	"context"
	"sync"
	"time"
)

// Logger is the interface for audit sinks
type Logger interface {
	// Log records an audit entry
	Log(ctx context.Context, record *Record) error

	// Close closes the logger and flushes any buffered records
	Close() error
}

// Pruner is implemented by sinks that can drop records past retention.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return &noOpLogger{}
}

// NewNoOpLogger returns a logger that discards every record.
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, record *Record) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}

// MemoryLogger keeps records in memory. It backs tests and single process
// deployments that only need the most recent decisions.
type MemoryLogger struct {
	mu      sync.Mutex
	records []*Record
	limit   int
}

// NewMemoryLogger creates an in-memory logger holding at most limit records.
// A limit of zero keeps everything.
func NewMemoryLogger(limit int) *MemoryLogger {
	return &MemoryLogger{limit: limit}
}

// Log appends a copy of record, evicting the oldest past the limit.
func (l *MemoryLogger) Log(ctx context.Context, record *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := *record
	copied.Chain = append([]string(nil), record.Chain...)
	l.records = append(l.records, &copied)
	if l.limit > 0 && len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}
	return nil
}

// Records returns the retained records, oldest first.
func (l *MemoryLogger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Record(nil), l.records...)
}

// Prune drops records attempted before the cutoff.
func (l *MemoryLogger) Prune(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	var removed int64
	for _, r := range l.records {
		if r.AttemptedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return removed, nil
}

func (l *MemoryLogger) Close() error {
	return nil
}
