package db

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/rs/zerolog/log"
)

// WorkerRecordStatus is the lifecycle state of a journaled worker.
type WorkerRecordStatus string

const (
	WorkerRecordStatusRunning WorkerRecordStatus = "running"
	WorkerRecordStatusRetired WorkerRecordStatus = "retired"
	// WorkerRecordStatusReaped marks workers left running by a crashed run and
	// cleaned up afterwards.
	WorkerRecordStatusReaped WorkerRecordStatus = "reaped"
)

// WorkerRecord is one browser worker's lifecycle entry.
type WorkerRecord struct {
	ID             string             `json:"id" gorm:"primaryKey;size:64"`
	Hostname       string             `json:"hostname" gorm:"size:255;index"`
	SupervisorPID  int                `json:"supervisor_pid"`
	PID            int                `json:"pid"`
	ScratchDir     string             `json:"scratch_dir" gorm:"size:1024"`
	Status         WorkerRecordStatus `json:"status" gorm:"size:20;index"`
	URLsProcessed  int                `json:"urls_processed"`
	RetireReason   string             `json:"retire_reason" gorm:"size:512"`
	BrowserClosed  bool               `json:"browser_closed"`
	ScratchRemoved bool               `json:"scratch_removed"`
	StartedAt      time.Time          `json:"started_at" gorm:"index"`
	RetiredAt      *time.Time         `json:"retired_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// TableName returns the table name for WorkerRecord.
func (WorkerRecord) TableName() string {
	return "worker_records"
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// RecordWorkerStarted journals a freshly spawned worker.
func (d *DatabaseConnection) RecordWorkerStarted(id string, pid int, scratchDir string) error {
	now := time.Now()
	record := WorkerRecord{
		ID:            id,
		Hostname:      hostname(),
		SupervisorPID: os.Getpid(),
		PID:           pid,
		ScratchDir:    scratchDir,
		Status:        WorkerRecordStatusRunning,
		StartedAt:     now,
	}
	if result := d.db.Create(&record); result.Error != nil {
		return fmt.Errorf("failed to record worker start: %w", result.Error)
	}
	return nil
}

// RecordWorkerRetired closes a worker's journal entry.
func (d *DatabaseConnection) RecordWorkerRetired(id string, urlsProcessed int, reason string, browserClosed, scratchRemoved bool) error {
	now := time.Now()
	result := d.db.Model(&WorkerRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          WorkerRecordStatusRetired,
			"urls_processed":  urlsProcessed,
			"retire_reason":   reason,
			"browser_closed":  browserClosed,
			"scratch_removed": scratchRemoved,
			"retired_at":      now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record worker retirement: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("worker %s is not journaled", id)
	}
	return nil
}

// GetWorkerRecord retrieves a worker record by ID.
func (d *DatabaseConnection) GetWorkerRecord(id string) (*WorkerRecord, error) {
	var record WorkerRecord
	if result := d.db.Where("id = ?", id).First(&record); result.Error != nil {
		return nil, result.Error
	}
	return &record, nil
}

// WorkerRecordFilter narrows ListWorkerRecords.
type WorkerRecordFilter struct {
	Statuses []WorkerRecordStatus
	Limit    int
}

// ListWorkerRecords returns the most recently started workers first.
func (d *DatabaseConnection) ListWorkerRecords(filter WorkerRecordFilter) ([]*WorkerRecord, error) {
	var records []*WorkerRecord
	query := d.db.Order("started_at DESC")
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if result := query.Find(&records); result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// GetOrphanedWorkerRecords returns workers on this host still marked running
// that were started by another supervisor process. Callers decide whether
// that process is still alive.
func (d *DatabaseConnection) GetOrphanedWorkerRecords() ([]*WorkerRecord, error) {
	var records []*WorkerRecord
	result := d.db.Where("status = ? AND hostname = ? AND supervisor_pid <> ?", WorkerRecordStatusRunning, hostname(), os.Getpid()).
		Order("started_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// MarkWorkerReaped records that an orphaned worker was cleaned up.
func (d *DatabaseConnection) MarkWorkerReaped(id string, scratchRemoved bool) error {
	now := time.Now()
	result := d.db.Model(&WorkerRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          WorkerRecordStatusReaped,
			"retire_reason":   "orphaned by a previous run",
			"scratch_removed": scratchRemoved,
			"retired_at":      now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark worker reaped: %w", result.Error)
	}
	log.Info().Str("worker_id", id).Bool("scratch_removed", scratchRemoved).Msg("Orphaned worker reaped")
	return nil
}

// DeleteOldWorkerRecords removes finished records older than the retention period.
func (d *DatabaseConnection) DeleteOldWorkerRecords(retentionPeriod time.Duration) (int64, error) {
	threshold := time.Now().Add(-retentionPeriod)
	result := d.db.Where("status <> ? AND updated_at < ?", WorkerRecordStatusRunning, threshold).
		Delete(&WorkerRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old worker records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// WorkerRecordStats aggregates the journal.
type WorkerRecordStats struct {
	Total         int64 `json:"total"`
	Running       int64 `json:"running"`
	Retired       int64 `json:"retired"`
	Reaped        int64 `json:"reaped"`
	Unclean       int64 `json:"unclean"`
	URLsProcessed int64 `json:"urls_processed"`
}

// GetWorkerRecordStats retrieves aggregate statistics for the journal.
func (d *DatabaseConnection) GetWorkerRecordStats() (*WorkerRecordStats, error) {
	var stats WorkerRecordStats
	type row struct {
		Status WorkerRecordStatus
		Count  int64
	}
	var rows []row
	if result := d.db.Model(&WorkerRecord{}).Select("status, COUNT(*) as count").Group("status").Scan(&rows); result.Error != nil {
		return nil, result.Error
	}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case WorkerRecordStatusRunning:
			stats.Running = r.Count
		case WorkerRecordStatusRetired:
			stats.Retired = r.Count
		case WorkerRecordStatusReaped:
			stats.Reaped = r.Count
		}
	}
	d.db.Model(&WorkerRecord{}).
		Where("status = ? AND (browser_closed = ? OR scratch_removed = ?)", WorkerRecordStatusRetired, false, false).
		Count(&stats.Unclean)

	var sum struct{ Total int64 }
	d.db.Model(&WorkerRecord{}).Select("COALESCE(SUM(urls_processed), 0) as total").Scan(&sum)
	stats.URLsProcessed = sum.Total
	return &stats, nil
}

func (r WorkerRecord) retiredAt() string {
	if r.RetiredAt == nil {
		return "-"
	}
	return r.RetiredAt.Format(time.RFC3339)
}

func (r WorkerRecord) String() string {
	return fmt.Sprintf("ID: %s, PID: %d, Status: %s, URLs: %d, Reason: %s, Browser closed: %t, Scratch removed: %t, Started: %s",
		r.ID, r.PID, r.Status, r.URLsProcessed, r.RetireReason, r.BrowserClosed, r.ScratchRemoved, r.StartedAt.Format(time.RFC3339))
}

func (r WorkerRecord) Pretty() string {
	statusColor := lib.Yellow
	switch r.Status {
	case WorkerRecordStatusRetired:
		statusColor = lib.Green
	case WorkerRecordStatusReaped:
		statusColor = lib.Red
	}
	return lib.PrettyFields(
		lib.Field{Label: "ID", Value: r.ID},
		lib.Field{Label: "PID", Value: r.PID},
		lib.Field{Label: "Status", Value: lib.Colorize(string(r.Status), statusColor)},
		lib.Field{Label: "URLs", Value: r.URLsProcessed},
		lib.Field{Label: "Reason", Value: r.RetireReason},
		lib.Field{Label: "Scratch dir", Value: r.ScratchDir},
		lib.Field{Label: "Started", Value: r.StartedAt.Format(time.RFC3339)},
		lib.Field{Label: "Retired", Value: r.retiredAt()},
	)
}

func (r WorkerRecord) TableHeaders() []string {
	return []string{"ID", "PID", "Status", "URLs", "Reason", "Closed", "Scratch removed", "Started", "Retired"}
}

func (r WorkerRecord) TableRow() []string {
	reason := r.RetireReason
	if len(reason) > 40 {
		reason = strings.TrimSpace(reason[:37]) + "..."
	}
	return []string{
		r.ID,
		fmt.Sprintf("%d", r.PID),
		string(r.Status),
		fmt.Sprintf("%d", r.URLsProcessed),
		reason,
		fmt.Sprintf("%t", r.BrowserClosed),
		fmt.Sprintf("%t", r.ScratchRemoved),
		r.StartedAt.Format(time.RFC3339),
		r.retiredAt(),
	}
}
