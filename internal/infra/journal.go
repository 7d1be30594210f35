package infra

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

const (
	journalDBName  = "journal.db"
	journalKeyName = ".journal_key"
	journalKeySize = 32

	// DefaultJournalRetention bounds the number of kept entries.
	DefaultJournalRetention = 1000
)

// EncryptedJournal implements domain.OperationJournal on a SQLCipher database.
type EncryptedJournal struct {
	db        *sql.DB
	dbPath    string
	retention int
}

// OpenJournal opens the journal in dataDir, creating the key on first use.
func OpenJournal(dataDir string) (*EncryptedJournal, error) {
	key, err := loadJournalKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain journal key: %w", err)
	}
	return NewEncryptedJournal(dataDir, key, DefaultJournalRetention)
}

// newJournalKey returns a random SQLCipher raw key.
func newJournalKey() ([]byte, error) {
	key := make([]byte, journalKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate journal key: %w", err)
	}
	return key, nil
}

// loadJournalKey reads the hex key kept beside the database, writing a new
// one (0600, tmp + rename) when none exists. A malformed key is an error
// rather than a silent regeneration, since that would orphan the database.
func loadJournalKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, journalKeyName)

	encoded, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		key, err := hex.DecodeString(string(bytes.TrimSpace(encoded)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keyPath, err)
		}
		if len(key) != journalKeySize {
			return nil, fmt.Errorf("invalid journal key size: got %d, want %d", len(key), journalKeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", keyPath, err)
	}

	key, err := newJournalKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp := keyPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write journal key: %w", err)
	}
	if err := os.Rename(tmp, keyPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to install journal key: %w", err)
	}
	return key, nil
}

// NewEncryptedJournal opens (or creates) the journal database with key.
func NewEncryptedJournal(dataDir string, key []byte, retention int) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if retention <= 0 {
		retention = DefaultJournalRetention
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	j := &EncryptedJournal{db: db, dbPath: dbPath, retention: retention}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *EncryptedJournal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence INTEGER NOT NULL,
		operation TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		executed_at INTEGER NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (j *EncryptedJournal) Path() string {
	return j.dbPath
}

// Record appends an entry and prunes beyond the retention limit.
func (j *EncryptedJournal) Record(entry domain.JournalEntry) error {
	executedAt := entry.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	_, err := j.db.Exec(`
		INSERT INTO operations (sequence, operation, exit_code, duration_ms, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.Operation, entry.ExitCode, entry.DurationMs, entry.Error, executedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}

	_, err = j.db.Exec(`
		DELETE FROM operations WHERE id <= (SELECT MAX(id) FROM operations) - ?`, j.retention)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *EncryptedJournal) Recent(limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`
		SELECT sequence, operation, exit_code, duration_ms, error, executed_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.JournalEntry, 0, limit)
	for rows.Next() {
		var e domain.JournalEntry
		var executedAt int64
		if err := rows.Scan(&e.Sequence, &e.Operation, &e.ExitCode, &e.DurationMs, &e.Error, &executedAt); err != nil {
			return nil, err
		}
		e.ExecutedAt = time.Unix(0, executedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (j *EncryptedJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ensure EncryptedJournal implements domain.OperationJournal.
var _ domain.OperationJournal = (*EncryptedJournal)(nil)
