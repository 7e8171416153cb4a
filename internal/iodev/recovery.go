// ABOUTME: Bounded retry helpers for transient driver states
// ABOUTME: Resume polling after suspend and open retry while the device is busy
package iodev

import (
	"errors"
	"time"
)

// These are latency relevant and match what drivers are tested against.
var (
	// MaxMmapBeginAttempts bounds retries of a buffer acquire
	MaxMmapBeginAttempts = 3
	// ResumePollInterval is the wait between resume attempts while suspended
	ResumePollInterval = 250 * time.Millisecond
	// OpenRetries is the number of open attempts while the device is busy
	OpenRetries = 3
	// OpenRetryDelay is the wait between busy open attempts
	OpenRetryDelay = 100 * time.Millisecond
)

// sleep is swapped out by tests
var sleep = time.Sleep

// AttemptResume brings a handle back after a system suspend. It polls Resume
// while the driver says try again, and falls back to Prepare if resume
// fails outright.
func AttemptResume(h Handle) error {
	log.Infof("System suspended")
	err := h.Resume()
	for errors.Is(err, ErrAgain) {
		sleep(ResumePollInterval)
		err = h.Resume()
	}
	if err == nil {
		return nil
	}

	log.Infof("System suspended, failed to resume: %v", err)
	if perr := h.Prepare(); perr != nil {
		log.Infof("Suspended, failed to prepare: %v", perr)
		return perr
	}
	return nil
}

// OpenWithRetry calls open until it succeeds, fails with something other
// than ErrBusyDevice, or OpenRetries attempts are used
func OpenWithRetry(open func() error) error {
	var err error
	for attempt := 1; attempt <= OpenRetries; attempt++ {
		err = open()
		if !errors.Is(err, ErrBusyDevice) {
			return err
		}
		if attempt < OpenRetries {
			sleep(OpenRetryDelay)
		}
	}
	return err
}
