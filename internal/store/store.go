package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/hive/server/internal/apierr"
)

// Store is the typed Postgres adapter shared by the mailbox, broadcast, and
// swarm engines. It owns no business logic beyond the invariants the spec
// pins at the storage layer (dedup, idempotent ack, unique recurring
// instances, index-backed listing).
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. The caller owns the connection's
// lifecycle (teacher's main.go opens the DB once at startup and shares it).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies connectivity for /readyz.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: no database configured")
	}
	return s.db.PingContext(ctx)
}

// wrapErr classifies a raw database/sql error into the apierr vocabulary.
// notFoundMsg is used when the error is sql.ErrNoRows.
func wrapErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apierr.NewNotFound(notFoundMsg)
	}
	return apierr.NewInternal("storage error", pkgerrors.WithStack(err))
}

// cursor is an opaque, tamper-evident pagination token: base64(id || checksum).
// The checksum lets a hand-edited cursor be rejected as BadRequest instead of
// silently skipping or duplicating rows.
func encodeCursor(id int64) string {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	sum := xxhash.Sum64(buf[:8])
	binary.BigEndian.PutUint64(buf[8:], sum)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) != 16 {
		return 0, apierr.NewBadRequest("invalid cursor")
	}
	id := int64(binary.BigEndian.Uint64(raw[:8]))
	wantSum := binary.BigEndian.Uint64(raw[8:])
	if xxhash.Sum64(raw[:8]) != wantSum {
		return 0, apierr.NewBadRequest("invalid cursor")
	}
	return id, nil
}

// DecodeCursor exposes cursor decoding to the mailbox engine so it can turn a
// client-supplied `cursor` query param into a BeforeID filter.
func DecodeCursor(cursor string) (int64, error) { return decodeCursor(cursor) }

// EncodeCursor exposes cursor encoding for building `nextCursor` responses.
func EncodeCursor(id int64) string { return encodeCursor(id) }

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

