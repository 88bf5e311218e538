package domain

import (
	"time"

	"github.com/google/uuid"
)

type HistoryStatus string

const (
	HistoryPending   HistoryStatus = "PENDING"
	HistoryRunning   HistoryStatus = "RUNNING"
	HistorySuccess   HistoryStatus = "SUCCESS"
	HistoryFailed    HistoryStatus = "FAILED"
	HistoryPartial   HistoryStatus = "PARTIAL"
	HistoryCancelled HistoryStatus = "CANCELLED"
)

type TriggerSource string

const (
	TriggerScheduled TriggerSource = "SCHEDULED"
	TriggerManual    TriggerSource = "MANUAL"
)

// BackupHistory 一次运行记录。调度器只负责以 PENDING 状态创建，之后归执行 worker 所有
type BackupHistory struct {
	ID            uuid.UUID     `json:"id"`
	JobID         uuid.UUID     `json:"job_id"`
	Status        HistoryStatus `json:"status"`
	TriggerSource TriggerSource `json:"trigger_source"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at"`
	FilesScanned  int           `json:"files_scanned"`
	FilesUploaded int           `json:"files_uploaded"`
	FilesFailed   int           `json:"files_failed"`
	BytesUploaded int64         `json:"bytes_uploaded"`
	ErrorMessage  string        `json:"error_message"`
}

// NewScheduledHistory 构造调度器触发的运行记录：PENDING + SCHEDULED，计数器归零
func NewScheduledHistory(jobID uuid.UUID, startedAt time.Time) *BackupHistory {
	return &BackupHistory{
		ID:            uuid.New(),
		JobID:         jobID,
		Status:        HistoryPending,
		TriggerSource: TriggerScheduled,
		StartedAt:     startedAt,
	}
}
