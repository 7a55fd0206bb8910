package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/soyeahso/chatline/internal/retry"
)

// lockPolicy governs retries of writes that hit storage contention.
var lockPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   25 * time.Millisecond,
	MaxDelay:    400 * time.Millisecond,
}

// Postgres SQLSTATEs that indicate contention rather than a bad statement.
var pgLockCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

var lockMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
}

// isLocked reports whether err is transient lock contention. Driver codes
// are checked first; message text is the fallback.
func isLocked(err error) bool {
	if err == nil {
		return false
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindLocked
	}

	var lite *sqlite.Error
	if errors.As(err, &lite) {
		switch lite.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgLockCodes[pgErr.Code]
	}

	msg := strings.ToLower(err.Error())
	for _, m := range lockMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// withLockRetry runs fn until it succeeds, fails with a non-lock error, or
// the lock policy is exhausted. Exhaustion surfaces as KindLocked.
func withLockRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, lockPolicy, isLocked, func(int) error {
		return fn()
	})
	return classify(op, err)
}
