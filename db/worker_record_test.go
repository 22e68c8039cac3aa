package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DatabaseConnection {
	t.Helper()
	conn, err := Open(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(Config{Type: "oracle"})
	assert.Error(t, err)

	_, err = Open(Config{Type: "postgres"})
	assert.Error(t, err)
}

func TestWorkerRecord_TableName(t *testing.T) {
	assert.Equal(t, "worker_records", WorkerRecord{}.TableName())
}

func TestRecordWorkerLifecycle(t *testing.T) {
	conn := openTestDB(t)

	require.NoError(t, conn.RecordWorkerStarted("w1", 4242, "/tmp/rodwarden-worker-w1"))
	record, err := conn.GetWorkerRecord("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerRecordStatusRunning, record.Status)
	assert.Equal(t, 4242, record.PID)
	assert.Equal(t, os.Getpid(), record.SupervisorPID)
	assert.Nil(t, record.RetiredAt)

	require.NoError(t, conn.RecordWorkerRetired("w1", 50, "scheduled cleanup after 50 URLs", true, true))
	record, err = conn.GetWorkerRecord("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerRecordStatusRetired, record.Status)
	assert.Equal(t, 50, record.URLsProcessed)
	assert.Equal(t, "scheduled cleanup after 50 URLs", record.RetireReason)
	assert.True(t, record.BrowserClosed)
	assert.NotNil(t, record.RetiredAt)
}

func TestRecordWorkerRetiredUnknown(t *testing.T) {
	conn := openTestDB(t)
	assert.Error(t, conn.RecordWorkerRetired("missing", 1, "x", true, true))
}

func TestListWorkerRecords(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, conn.RecordWorkerStarted("w1", 1, "/tmp/a"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, conn.RecordWorkerStarted("w2", 2, "/tmp/b"))
	require.NoError(t, conn.RecordWorkerRetired("w1", 3, "run finished", true, true))

	all, err := conn.ListWorkerRecords(WorkerRecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "w2", all[0].ID)

	running, err := conn.ListWorkerRecords(WorkerRecordFilter{Statuses: []WorkerRecordStatus{WorkerRecordStatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "w2", running[0].ID)

	limited, err := conn.ListWorkerRecords(WorkerRecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOrphanedWorkerRecords(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, conn.RecordWorkerStarted("mine", 1, "/tmp/mine"))
	orphan := WorkerRecord{
		ID:            "orphan",
		Hostname:      hostname(),
		SupervisorPID: os.Getpid() + 1,
		PID:           2,
		ScratchDir:    "/tmp/orphan",
		Status:        WorkerRecordStatusRunning,
		StartedAt:     time.Now(),
	}
	require.NoError(t, conn.db.Create(&orphan).Error)

	orphans, err := conn.GetOrphanedWorkerRecords()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "orphan", orphans[0].ID)

	require.NoError(t, conn.MarkWorkerReaped("orphan", true))
	orphans, err = conn.GetOrphanedWorkerRecords()
	require.NoError(t, err)
	assert.Empty(t, orphans)

	stats, err := conn.GetWorkerRecordStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Running)
	assert.Equal(t, int64(1), stats.Reaped)
}

func TestWorkerRecordStatsUnclean(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, conn.RecordWorkerStarted("w1", 1, "/tmp/a"))
	require.NoError(t, conn.RecordWorkerStarted("w2", 2, "/tmp/b"))
	require.NoError(t, conn.RecordWorkerRetired("w1", 10, "run finished", true, true))
	require.NoError(t, conn.RecordWorkerRetired("w2", 7, "critical task outcome", false, true))

	stats, err := conn.GetWorkerRecordStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Retired)
	assert.Equal(t, int64(1), stats.Unclean)
	assert.Equal(t, int64(17), stats.URLsProcessed)
}

func TestDeleteOldWorkerRecords(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, conn.RecordWorkerStarted("w1", 1, "/tmp/a"))
	require.NoError(t, conn.RecordWorkerRetired("w1", 1, "run finished", true, true))
	require.NoError(t, conn.RecordWorkerStarted("w2", 2, "/tmp/b"))

	deleted, err := conn.DeleteOldWorkerRecords(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestWorkerRecordFormatting(t *testing.T) {
	r := WorkerRecord{ID: "w1", Status: WorkerRecordStatusRetired, RetireReason: "a very long reason that will certainly be cut in the table"}
	assert.Contains(t, r.String(), "ID: w1")
	assert.Contains(t, r.Pretty(), "w1")
	row := r.TableRow()
	assert.Len(t, row, len(r.TableHeaders()))
	assert.LessOrEqual(t, len(row[4]), 40)
}
