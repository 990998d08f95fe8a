package models

import "time"

const (
	ReconciliationTriggerSchedule = "schedule"
	ReconciliationTriggerManual   = "manual"
)

// ReconciliationRun persists the summary of one reconciliation pass.
type ReconciliationRun struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Trigger      string     `gorm:"type:varchar(16);not null;default:'schedule'" json:"trigger"`
	StartedAt    time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt   *time.Time `gorm:"default:null" json:"finished_at,omitempty"`
	Checked      int        `gorm:"not null;default:0" json:"checked"`
	Consistent   int        `gorm:"not null;default:0" json:"consistent"`
	Corrected    int        `gorm:"not null;default:0" json:"corrected"`
	Unreachable  int        `gorm:"not null;default:0" json:"unreachable"`
	Skipped      int        `gorm:"not null;default:0" json:"skipped"`
	Failed       int        `gorm:"not null;default:0" json:"failed"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
}
