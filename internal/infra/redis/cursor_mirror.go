package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// MirroredCursor is the operator-facing copy of a chain cursor.
type MirroredCursor struct {
	Block     uint64    `json:"block"`
	Hash      string    `json:"hash"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CursorMirror publishes the cursor under cursor:<chain> so operators can
// read progress without touching the ledger database.
type CursorMirror struct {
	rdb *redis.Client
}

func NewCursorMirror(client *Client) *CursorMirror {
	return &CursorMirror{rdb: client.rdb}
}

// Publish overwrites the mirrored cursor.
func (m *CursorMirror) Publish(ctx context.Context, c *domain.Cursor) error {
	data, err := json.Marshal(MirroredCursor{
		Block:     c.BlockNumber,
		Hash:      c.BlockHash,
		State:     string(c.State),
		UpdatedAt: c.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := m.rdb.Set(ctx, cursorKey(c.ChainID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to publish cursor: %w", err)
	}
	return nil
}

// Get reads the mirrored cursor. Returns nil when nothing was published.
func (m *CursorMirror) Get(ctx context.Context, chainID string) (*MirroredCursor, error) {
	data, err := m.rdb.Get(ctx, cursorKey(chainID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return ParseMirroredCursor(data)
}

// ParseMirroredCursor decodes a published cursor value.
func ParseMirroredCursor(data []byte) (*MirroredCursor, error) {
	var mc MirroredCursor
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("invalid cursor value: %w", err)
	}
	if mc.Hash == "" {
		return nil, fmt.Errorf("invalid cursor value: missing hash")
	}
	return &mc, nil
}
