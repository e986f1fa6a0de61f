package recovery

import (
	"time"
)

// RetryStrategy decides whether and when Do tries again.
type RetryStrategy interface {
	// GetDelay is the wait before retry number attempt+1.
	GetDelay(attempt int) time.Duration
	// ShouldRetry is asked after attempt calls have failed with err.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff doubles the delay after every failure up to MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Classifier   Classifier    `yaml:"-"`
}

// DefaultBackoff is the node retry policy: 1s, 2s, 4s ... capped at 30s,
// 8 attempts in total. A nil classifier retries everything.
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  8,
		Classifier:   classifier,
	}
}

// StoreBackoff is the ledger and cursor write policy. It gives up within a
// few seconds so a dead database halts ingestion instead of stalling it.
func StoreBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  5,
		Classifier:   ClassifyStoreError,
	}
}

func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	d := s.InitialDelay
	for i := 0; i < attempt && d < s.MaxDelay; i++ {
		d *= 2
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return s.Classifier == nil || s.Classifier(err) == CategoryTransient
}
