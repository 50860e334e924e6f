package drivesync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when an operation is called outside the ready state.
	ErrNotReady = errors.New("sync service is not ready")
	// ErrBusy is returned when another run holds the owner's lock.
	ErrBusy = errors.New("sync already running for this account")
	// ErrMissingCredentials is returned by connectors that have no Drive token for the owner.
	ErrMissingCredentials = errors.New("drive credentials are not configured")
)

// ConfigError aborts Initialize before any diffing happens.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "sync configuration: " + e.Reason
	}
	return fmt.Sprintf("sync configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ItemError records one failed step on one action of a batch.
type ItemError struct {
	Action Discrepancy
	Step   string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s (%s): %s: %v", e.Action.Kind, e.Action.FileID(), e.Action.Name(), e.Step, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}
