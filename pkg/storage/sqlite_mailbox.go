package storage

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/logging"
)

// DefaultMailboxTTL is how long an undelivered frame is kept
const DefaultMailboxTTL = 30 * 24 * time.Hour

// DefaultCleanupInterval is how often expired frames are purged
const DefaultCleanupInterval = time.Hour

// SQLiteMailbox stores mailboxes in a SQLite table.
//
// The table is emptied when the store is opened, so frames never outlive
// the relay process even when the DSN points at a file. Frames older than
// the TTL are hidden from reads and purged periodically.
type SQLiteMailbox struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSQLiteMailbox opens the mailbox database at dsn.
// ttl: time-to-live for stored frames (0 means DefaultMailboxTTL)
func NewSQLiteMailbox(dsn string, ttl time.Duration, logger *zap.Logger) (*SQLiteMailbox, error) {
	if ttl == 0 {
		ttl = DefaultMailboxTTL
	}
	logger = logging.OrNop(logger)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mailbox database")
	}

	// One connection keeps a shared in-memory database alive and
	// serializes writers without "database is locked" retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	mb := &SQLiteMailbox{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	if err := mb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	mb.wg.Add(1)
	go mb.cleanupLoop(DefaultCleanupInterval)

	return mb, nil
}

func (m *SQLiteMailbox) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailbox_frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		frame BLOB NOT NULL,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mailbox_user ON mailbox_frames(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_mailbox_expires ON mailbox_frames(expires_at);
	`

	if _, err := m.db.Exec(schema); err != nil {
		return errors.Wrap(err, "create mailbox schema")
	}

	// Relay state never carries over from a previous process
	if _, err := m.db.Exec(`DELETE FROM mailbox_frames`); err != nil {
		return errors.Wrap(err, "purge mailbox")
	}

	return nil
}

// Append adds a frame to the user's mailbox
func (m *SQLiteMailbox) Append(userID uint64, frame []byte) error {
	now := m.now().Unix()
	expiresAt := now + int64(m.ttl.Seconds())

	_, err := m.db.Exec(
		`INSERT INTO mailbox_frames (user_id, frame, queued_at, expires_at) VALUES (?, ?, ?, ?)`,
		dbUserID(userID), frame, now, expiresAt,
	)
	if err != nil {
		return errors.Wrapf(err, "append frame for user %d", userID)
	}
	return nil
}

// Take atomically removes and returns the user's unexpired frames in
// insertion order
func (m *SQLiteMailbox) Take(userID uint64) ([][]byte, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin take")
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT frame FROM mailbox_frames WHERE user_id = ? AND expires_at > ? ORDER BY id ASC`,
		dbUserID(userID), m.now().Unix(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "query mailbox of user %d", userID)
	}

	var frames [][]byte
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan frame")
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate mailbox")
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM mailbox_frames WHERE user_id = ?`, dbUserID(userID)); err != nil {
		return nil, errors.Wrapf(err, "empty mailbox of user %d", userID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit take")
	}

	return frames, nil
}

// Count returns the number of unexpired frames held for a user
func (m *SQLiteMailbox) Count(userID uint64) (int, error) {
	var count int
	err := m.db.QueryRow(
		`SELECT COUNT(*) FROM mailbox_frames WHERE user_id = ? AND expires_at > ?`,
		dbUserID(userID), m.now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "count mailbox of user %d", userID)
	}
	return count, nil
}

// Stats summarizes unexpired frames per recipient
func (m *SQLiteMailbox) Stats() (*MailboxStats, error) {
	rows, err := m.db.Query(`
		SELECT user_id, COUNT(*)
		FROM mailbox_frames
		WHERE expires_at > ?
		GROUP BY user_id
	`, m.now().Unix())
	if err != nil {
		return nil, errors.Wrap(err, "query mailbox stats")
	}
	defer rows.Close()

	stats := &MailboxStats{ByRecipient: make(map[uint64]int)}
	for rows.Next() {
		var userID int64
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, errors.Wrap(err, "scan mailbox stats")
		}
		stats.ByRecipient[uint64(userID)] = count
		stats.TotalFrames += count
	}
	return stats, rows.Err()
}

// PurgeExpired deletes frames past their TTL and returns how many were removed
func (m *SQLiteMailbox) PurgeExpired() (int64, error) {
	result, err := m.db.Exec(`DELETE FROM mailbox_frames WHERE expires_at <= ?`, m.now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "purge expired frames")
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func (m *SQLiteMailbox) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			count, err := m.PurgeExpired()
			if err != nil {
				m.logger.Warn("mailbox cleanup failed", zap.Error(err))
				continue
			}
			if count > 0 {
				m.logger.Info("purged expired mailbox frames", zap.Int64("count", count))
			}
		}
	}
}

// Close stops the cleanup loop and closes the database
func (m *SQLiteMailbox) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		err = m.db.Close()
	})
	return err
}

// dbUserID maps a user id onto SQLite's signed integers; the bit pattern is kept.
func dbUserID(userID uint64) int64 {
	return int64(userID)
}
