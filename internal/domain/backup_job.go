package domain

import (
	"time"

	"github.com/google/uuid"
)

// BackupJob 周期性备份任务，由 API 层创建与编辑；调度器只修改 NextRunAt / LastRunAt
type BackupJob struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Enabled        bool       `json:"enabled"`         // 仅启用的任务参与调度
	Schedule       string     `json:"schedule"`        // cron 表达式
	NextRunAt      *time.Time `json:"next_run_at"`     // nil 表示从未运行，立即到期
	LastRunAt      *time.Time `json:"last_run_at"`     // 上次被调度的时间
	SourcePath     string     `json:"source_path"`     // 以下为执行参数，原样转发给队列
	DestinationID  string     `json:"destination_id"`
	CredentialID   string     `json:"credential_id"`
	NamePattern    string     `json:"name_pattern"`
	RetentionType  string     `json:"retention_type"`
	RetentionCount *int       `json:"retention_count"`
	RetentionDays  *int       `json:"retention_days"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
