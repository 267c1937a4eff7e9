package utils

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
)

// MySQLLocker serialises keys across instances with MySQL advisory locks.
// GET_LOCK is connection-scoped, so each held lock pins one pooled connection until release.
type MySQLLocker struct {
	db      *sql.DB
	prefix  string
	timeout time.Duration
}

func NewMySQLLocker(db *sql.DB, prefix string, timeout time.Duration) *MySQLLocker {
	return &MySQLLocker{db: db, prefix: prefix, timeout: timeout}
}

// advisoryLockName keeps names inside the 64 character limit of GET_LOCK.
func advisoryLockName(prefix, key string) string {
	name := fmt.Sprintf("%s:%s", prefix, key)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func (m *MySQLLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	lockName := advisoryLockName(m.prefix, key)
	seconds := int(m.timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, seconds).Scan(&ok); err != nil {
		conn.Close()
		return nil, err
	}
	if !ok.Valid || ok.Int64 != 1 {
		conn.Close()
		config.LogError(config.GetLogger(), "utils", "MySQLLocker.Lock", "could not obtain lock", lockName, ErrLockNotObtained)
		return nil, ErrLockNotObtained
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			var released sql.NullInt64
			_ = conn.QueryRowContext(releaseCtx, "SELECT RELEASE_LOCK(?)", lockName).Scan(&released)
			conn.Close()
		})
	}, nil
}
