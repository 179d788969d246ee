// Package persistence contains helpers shared by the store implementations.
package persistence

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// ErrInvalidCursor is returned for board cursors that were not produced by
// EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor turns a board position into an opaque, URL-safe token. A nil
// cursor encodes to the empty string.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.OccurredAt.UnixNano(), 10) + "." + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. The empty token means the first page.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, seq, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || s < 0 {
		return nil, ErrInvalidCursor
	}
	return &domain.Cursor{OccurredAt: time.Unix(0, n).UTC(), Seq: s}, nil
}

// HashKey is the at-rest form of a device key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
