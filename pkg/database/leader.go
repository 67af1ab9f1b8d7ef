package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderLock holds a session-level advisory lock on a dedicated connection.
// Only the replica holding the lock runs singleton loops such as the scheduler.
type LeaderLock struct {
	db  *DB
	key int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewLeaderLock creates a lock on the given advisory key.
func NewLeaderLock(db *DB, key int64) *LeaderLock {
	return &LeaderLock{db: db, key: key}
}

// TryAcquire attempts to take the lock without blocking. It returns true when
// this process holds the lock after the call, including when it already did.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// Confirm the session that holds the lock is still alive.
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		discard(l.conn)
		l.conn = nil
	}

	conn, err := l.db.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for leader lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		discard(conn)
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release gives up the lock if held.
func (l *LeaderLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		discard(l.conn)
	} else {
		l.conn.Release()
	}
	l.conn = nil
}

// discard closes the session behind conn instead of returning it to the
// pool. Ending the session drops any advisory lock it may still hold.
func discard(conn *pgxpool.Conn) {
	raw := conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = raw.Close(ctx)
}
