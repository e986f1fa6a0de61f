package domain

import "errors"

var (
	// ErrSourceUnavailable means the chain node could not be reached after
	// the configured retries.
	ErrSourceUnavailable = errors.New("event source unavailable")
	// ErrSourceConfig is a non-retryable source failure (auth, bad endpoint).
	ErrSourceConfig = errors.New("event source misconfigured")
	// ErrNormalization marks a malformed event. It is skipped, not fatal.
	ErrNormalization = errors.New("malformed event")
	// ErrReorgTooDeep means a fork reached past the retained hash window.
	ErrReorgTooDeep = errors.New("reorg exceeds retained window")
	// ErrStoreWrite wraps ledger write failures.
	ErrStoreWrite = errors.New("ledger write failed")
	// ErrNotFound is returned for unknown ids and addresses with no history.
	ErrNotFound = errors.New("not found")
)

// IsFatal reports whether err must halt ingestion. ErrSourceUnavailable is
// reported to operators but ingestion keeps waiting for the node.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReorgTooDeep) ||
		errors.Is(err, ErrSourceConfig) ||
		errors.Is(err, ErrStoreWrite)
}
