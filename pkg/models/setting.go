package models

import "time"

// Setting is one row of the process-wide key/value settings table.
type Setting struct {
	Key       string    `db:"key"        json:"key"`
	Value     string    `db:"value"      json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
