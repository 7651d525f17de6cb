package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		Rotate:   false,
		MaxSize:  1024 * 1024,
		MaxFiles: 5,
	})
	require.NoError(t, err)
	defer logger.Close()

	granted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &Record{
		EventType:    EventTypePermissionCheck,
		Status:       EventStatusGranted,
		UserID:       "u-1",
		ResourceType: "asset",
		Action:       "read",
		AttemptedAt:  granted,
		GrantedAt:    &granted,
		RoleAtTime:   "r-1",
		Chain:        []string{"r-2", "r-1"},
	}
	require.NoError(t, logger.Log(context.Background(), record))

	_, err = os.Stat(filepath.Join(tmpDir, "permissions.log"))
	require.NoError(t, err)

	records, err := logger.ReadLogs(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "u-1", records[0].UserID)
	assert.Equal(t, []string{"r-2", "r-1"}, records[0].Chain)
	assert.True(t, granted.Equal(records[0].AttemptedAt))
}

func TestFileLogger_ReadLogsLimit(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(context.Background(), testRecord()))
	}

	records, err := logger.ReadLogs(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestFileLogger_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		Rotate:   true,
		MaxSize:  200,
		MaxFiles: 2,
	})
	require.NoError(t, err)
	defer logger.Close()

	record := testRecord()
	record.Message = strings.Repeat("x", 250)
	for i := 0; i < 6; i++ {
		require.NoError(t, logger.Log(context.Background(), record))
	}

	rotated, err := filepath.Glob(filepath.Join(tmpDir, "permissions-*.log"))
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)
	assert.LessOrEqual(t, len(rotated), 2)
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), testRecord())
	assert.Error(t, err)
}
