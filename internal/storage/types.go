package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one persisted monitor event.
// Keep it compact and schema-stable.
type EventRecord struct {
	At          time.Time `json:"at"`
	RunID       string    `json:"run_id,omitempty"`
	Kind        string    `json:"kind"`
	Value       string    `json:"value,omitempty"`
	Previous    string    `json:"previous,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}
