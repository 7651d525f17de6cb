package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu      sync.Mutex
	records []*Record
	err     error
	closed  bool
}

func (m *mockLogger) Log(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

func (m *mockLogger) Close() error {
	m.closed = true
	return nil
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testRecord() *Record {
	return &Record{
		EventType:   EventTypePermissionCheck,
		Status:      EventStatusGranted,
		UserID:      "u-1",
		AttemptedAt: time.Now().UTC(),
	}
}

func TestMultiLogger_Log_Sync(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multiLogger := NewMultiLogger(logger1, logger2)
	multiLogger.SetAsync(false)

	require.NoError(t, multiLogger.Log(context.Background(), testRecord()))

	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
}

func TestMultiLogger_Log_Async(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multiLogger := NewMultiLogger(logger1, logger2)

	require.NoError(t, multiLogger.Log(context.Background(), testRecord()))
	multiLogger.Wait()

	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
}

func TestMultiLogger_SyncErrorContinues(t *testing.T) {
	failing := &mockLogger{err: errors.New("disk full")}
	ok := &mockLogger{}

	multiLogger := NewMultiLogger(failing, ok)
	multiLogger.SetAsync(false)

	err := multiLogger.Log(context.Background(), testRecord())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, ok.count())
}

func TestMultiLogger_AsyncErrorsCollected(t *testing.T) {
	failing := &mockLogger{err: errors.New("disk full")}

	multiLogger := NewMultiLogger(failing)
	require.NoError(t, multiLogger.Log(context.Background(), testRecord()))
	multiLogger.Wait()

	errs := multiLogger.GetErrors()
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "disk full")
	assert.Empty(t, multiLogger.GetErrors())
}

func TestMultiLogger_Prune(t *testing.T) {
	mem := NewMemoryLogger(0)
	plain := &mockLogger{}
	multiLogger := NewMultiLogger(mem, plain)
	multiLogger.SetAsync(false)

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := testRecord()
	old.AttemptedAt = cutoff.Add(-time.Hour)
	recent := testRecord()
	recent.AttemptedAt = cutoff.Add(time.Hour)

	require.NoError(t, multiLogger.Log(context.Background(), old))
	require.NoError(t, multiLogger.Log(context.Background(), recent))

	n, err := multiLogger.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, mem.Records(), 1)
}

func TestMultiLogger_Close(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multiLogger := NewMultiLogger(logger1, logger2)
	require.NoError(t, multiLogger.Close())

	assert.True(t, logger1.closed)
	assert.True(t, logger2.closed)
}
