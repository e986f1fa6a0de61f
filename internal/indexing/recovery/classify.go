package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// FailureCategory tells the retry loop whether an error can heal itself.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryFatal
)

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

// ClassifySourceError separates node connectivity problems (retry) from
// auth and request errors (fail fast).
func ClassifySourceError(err error) FailureCategory {
	if err == nil {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 401, 403, 404:
			return CategoryFatal
		}
		return CategoryTransient
	}

	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32700, -32600, -32601, -32602:
			return CategoryFatal
		}
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "forbidden"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "no known transport"),
		strings.Contains(s, "unsupported protocol scheme"):
		return CategoryFatal
	}

	return CategoryTransient
}

// ClassifyStoreError retries everything except cancellation.
func ClassifyStoreError(err error) FailureCategory {
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	return CategoryTransient
}
