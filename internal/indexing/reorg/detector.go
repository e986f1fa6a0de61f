package reorg

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

var (
	// ErrNonContiguous is returned when a block skips past the retained head.
	ErrNonContiguous = errors.New("block is not contiguous with retained head")

	// ErrStaleBlock is returned for a block that does not build on the
	// canonical head the node itself reports.
	ErrStaleBlock = errors.New("block is not on the canonical chain")
)

// Decision is the detector's verdict on a delivered block.
type Decision int

const (
	// DecisionExtend means the block builds on the retained head.
	DecisionExtend Decision = iota
	// DecisionDuplicate means the exact block was already accepted.
	DecisionDuplicate
	// DecisionReorg means retained blocks were replaced.
	DecisionReorg
	// DecisionStale means the block is off the canonical chain while the
	// retained head still is on it, e.g. a lagging node served an old fork.
	DecisionStale
)

func (d Decision) String() string {
	switch d {
	case DecisionExtend:
		return "extend"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionReorg:
		return "reorg"
	case DecisionStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Detector checks delivered blocks against the hash window.
type Detector struct {
	window *Window
	source HeaderSource
}

// ReorgInfo contains information about a detected reorganization.
type ReorgInfo struct {
	Decision  Decision
	Depth     int
	FromBlock uint64 // first replaced block
	SafeBlock uint64 // common ancestor
	SafeHash  string
	// Attach is true when the delivered block's parent is the ancestor, so
	// it can be applied directly after rollback.
	Attach bool
}

// Check classifies a delivered block. It calls the source only when the
// parent hash disagrees with the window.
func (d *Detector) Check(ctx context.Context, header domain.BlockHeader) (*ReorgInfo, error) {
	lowest, highest, ok := d.window.Bounds()
	if !ok {
		return &ReorgInfo{Decision: DecisionExtend}, nil
	}

	n := header.Number
	if h, ok := d.window.Hash(n); ok && h == header.Hash {
		return &ReorgInfo{Decision: DecisionDuplicate}, nil
	}
	if n > highest+1 {
		return nil, fmt.Errorf("%w: retained head %d, got %d", ErrNonContiguous, highest, n)
	}
	if n == 0 || n <= lowest {
		return nil, &TooDeepError{Block: n, Lowest: lowest, Window: d.window.Size()}
	}

	parent, _ := d.window.Hash(n - 1)
	if parent == header.ParentHash {
		if n <= highest {
			// Replacement at a retained height on top of a known ancestor.
			return &ReorgInfo{
				Decision:  DecisionReorg,
				Depth:     int(highest - (n - 1)),
				FromBlock: n,
				SafeBlock: n - 1,
				SafeHash:  parent,
				Attach:    true,
			}, nil
		}
		return &ReorgInfo{Decision: DecisionExtend}, nil
	}

	safe, safeHash, err := d.findSafePoint(ctx, n-1, lowest)
	if err != nil {
		return nil, err
	}
	if safe == highest {
		return &ReorgInfo{Decision: DecisionStale, SafeBlock: safe, SafeHash: safeHash}, nil
	}

	return &ReorgInfo{
		Decision:  DecisionReorg,
		Depth:     int(highest - safe),
		FromBlock: safe + 1,
		SafeBlock: safe,
		SafeHash:  safeHash,
		Attach:    safe == n-1 && safeHash == header.ParentHash,
	}, nil
}

// findSafePoint walks backwards from start until the retained hash equals
// the source's authoritative hash.
func (d *Detector) findSafePoint(ctx context.Context, start, lowest uint64) (uint64, string, error) {
	for k := start; ; k-- {
		stored, ok := d.window.Hash(k)
		if !ok {
			break
		}

		canonical, err := d.source.HeaderAt(ctx, k)
		if err != nil {
			return 0, "", fmt.Errorf("failed to fetch header %d: %w", k, err)
		}
		if canonical.Hash == stored {
			return k, stored, nil
		}

		if k == lowest {
			break
		}
	}

	return 0, "", &TooDeepError{Block: start + 1, Lowest: lowest, Window: d.window.Size()}
}
