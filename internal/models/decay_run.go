package models

import "time"

// DecayRun records one execution of the daily decay, keyed by the run id
// (the scheduled fire date). A run that finished has FinishedAt set.
type DecayRun struct {
	ID         string `gorm:"primaryKey;size:32"`
	Accounts   int    `gorm:"not null;default:0"`
	StartedAt  time.Time
	FinishedAt *time.Time
}
