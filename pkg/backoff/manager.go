// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// Error message constants
const (
	// TemporaryBackoffError indicates a temporary failure with backoff in progress
	TemporaryBackoffError = "operation suspended due to temporary error"

	// PermanentFailureError indicates that max retries were reached
	PermanentFailureError = "operation permanently failed after max retries"
)

// BackoffManager handles error backoff with exponential retries and permanent failure detection
type BackoffManager struct {
	mu sync.RWMutex

	// The last error that occurred
	lastError error

	backoff backoff.BackOff

	// The time when operations can be resumed
	suspendedUntilTime time.Time

	// Set once max retries are exceeded or a permanent error was recorded
	permanentFailure bool

	// Component name for logging
	componentName string

	logger *zap.SugaredLogger
}

// Config holds configuration for creating a new BackoffManager
type Config struct {
	// Initial backoff interval
	InitialInterval time.Duration

	// Maximum backoff interval
	MaxInterval time.Duration

	// Maximum number of retries before permanent failure
	MaxRetries uint64

	// Component name for logging
	ComponentName string

	Logger *zap.SugaredLogger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig(componentName string, logger *zap.SugaredLogger) Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxRetries:      5,
		ComponentName:   componentName,
		Logger:          logger,
	}
}

// ConfigFromFlushRetry builds a Config from the flushRetry config section
func ConfigFromFlushRetry(cfg config.FlushRetryConfig, componentName string, logger *zap.SugaredLogger) Config {
	return Config{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxRetries:      cfg.MaxRetries,
		ComponentName:   componentName,
		Logger:          logger,
	}
}

// NewBackoffManager creates a new BackoffManager with the given config
func NewBackoffManager(cfg Config) *BackoffManager {
	baseBackoff := backoff.NewExponentialBackOff()
	baseBackoff.InitialInterval = cfg.InitialInterval
	baseBackoff.MaxInterval = cfg.MaxInterval
	// Only the retry count decides about permanent failure
	baseBackoff.MaxElapsedTime = 0

	// After MaxRetries failures NextBackOff returns backoff.Stop
	backoffWithMaxRetries := backoff.WithMaxRetries(baseBackoff, cfg.MaxRetries)

	return &BackoffManager{
		backoff:       backoffWithMaxRetries,
		componentName: cfg.ComponentName,
		logger:        logger.OrDefault(cfg.Logger, logger.ComponentCore),
	}
}

// SetError records an error and updates the backoff state.
// Returns true if the backoff has reached permanent failure state.
func (m *BackoffManager) SetError(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err

	if m.permanentFailure {
		return true
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		m.logger.Errorf("%s failed with a permanent error, marking as permanently failed: %s", m.componentName, err)
		m.permanentFailure = true
		m.suspendedUntilTime = time.Time{}
		return true
	}

	next := m.backoff.NextBackOff()
	if next == backoff.Stop {
		m.logger.Errorf("%s has exceeded maximum retries, marking as permanently failed", m.componentName)
		m.permanentFailure = true
		m.suspendedUntilTime = time.Time{}
		return true
	}

	m.suspendedUntilTime = time.Now().Add(next)
	m.logger.Debugf("Suspending %s operations for %s because of error: %s",
		m.componentName, next, err)

	return false
}

// Reset clears all error and backoff state
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.backoff.Reset()
	m.suspendedUntilTime = time.Time{}
	m.permanentFailure = false
}

// ShouldSkipOperation returns true if operations should be skipped due to backoff
func (m *BackoffManager) ShouldSkipOperation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return true
	}

	if m.lastError == nil || m.suspendedUntilTime.IsZero() {
		return false
	}

	if time.Now().Before(m.suspendedUntilTime) {
		m.logger.Debugf("Skipping %s operation because of error: %s. Remaining backoff: %s",
			m.componentName, m.lastError, time.Until(m.suspendedUntilTime))
		return true
	}

	// The suspension is kept until the next Reset or SetError
	return false
}

// IsPermanentlyFailed returns true if the max retry count has been exceeded
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permanentFailure
}

// GetLastError returns the last error recorded
func (m *BackoffManager) GetLastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetBackoffError returns an appropriate error message based on the current state:
// - For permanent failures, it returns a permanent failure error
// - For temporary backoffs, it returns a temporary backoff error with retry time
// - If no backoff is in progress, it returns nil
func (m *BackoffManager) GetBackoffError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return fmt.Errorf("%s: %w", PermanentFailureError, m.lastError)
	}

	if m.lastError != nil && !m.suspendedUntilTime.IsZero() && time.Now().Before(m.suspendedUntilTime) {
		retryAfter := time.Until(m.suspendedUntilTime)
		return fmt.Errorf("%s (retry after %v): %w", TemporaryBackoffError, retryAfter, m.lastError)
	}

	return nil
}

// RemainingBackoff returns how long operations stay suspended
func (m *BackoffManager) RemainingBackoff() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.suspendedUntilTime.IsZero() {
		return 0
	}
	return max(0, time.Until(m.suspendedUntilTime))
}

// Retry runs op until it succeeds, waiting out the backoff between attempts.
// It gives up with a permanent failure error once the retries are exhausted
// or op returns an error wrapped with Permanent. The manager is reset after
// a success so it can be reused for the next operation. A manager that has
// failed permanently does not run op again until it is Reset.
func (m *BackoffManager) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	for {
		if m.IsPermanentlyFailed() {
			return m.GetBackoffError()
		}
		if m.ShouldSkipOperation() {
			timer := time.NewTimer(m.RemainingBackoff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		err := op(ctx)
		if err == nil {
			m.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.SetError(err)
	}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanentFailureError reports whether err was produced by GetBackoffError
// for a permanently failed operation
func IsPermanentFailureError(err error) bool {
	return err != nil && strings.Contains(err.Error(), PermanentFailureError)
}

// IsTemporaryBackoffError reports whether err was produced by GetBackoffError
// while a backoff is in progress
func IsTemporaryBackoffError(err error) bool {
	return err != nil && strings.Contains(err.Error(), TemporaryBackoffError)
}

// IsBackoffError reports whether err is a temporary or permanent backoff error
func IsBackoffError(err error) bool {
	return IsTemporaryBackoffError(err) || IsPermanentFailureError(err)
}

// ExtractOriginalError returns the error that caused a backoff error
func ExtractOriginalError(err error) error {
	if !IsBackoffError(err) {
		return err
	}
	if inner := errors.Unwrap(err); inner != nil {
		return inner
	}
	return err
}
