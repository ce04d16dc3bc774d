package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"turnover/internal/fsutil"
	"turnover/internal/model"
)

// Persister stores the whole status collection as one blob. There is no
// schema version; only additive field changes are safe.
type Persister interface {
	Load(ctx context.Context) ([]model.CleaningStatus, error)
	Save(ctx context.Context, statuses []model.CleaningStatus) error
}

type blob struct {
	Statuses []model.CleaningStatus `json:"statuses"`
}

func encode(statuses []model.CleaningStatus) ([]byte, error) {
	if statuses == nil {
		statuses = []model.CleaningStatus{}
	}
	return json.Marshal(blob{Statuses: statuses})
}

func decode(data []byte) ([]model.CleaningStatus, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode cleaning statuses: %w", err)
	}
	return b.Statuses, nil
}

// FilePersister keeps the collection in a JSON file written atomically.
type FilePersister struct {
	Path string
}

// NewFilePersister returns a FilePersister for path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{Path: path}
}

func (p *FilePersister) Load(_ context.Context) ([]model.CleaningStatus, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decode(data)
}

func (p *FilePersister) Save(_ context.Context, statuses []model.CleaningStatus) error {
	data, err := encode(statuses)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p.Path, data, 0o600)
}

// sqliteKey is the row holding the status collection.
const sqliteKey = "cleaning_statuses"

// SQLitePersister keeps the collection as one row of a key/value table.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate sqlite store: %w", err)
	}
	return nil
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) Load(ctx context.Context) ([]model.CleaningStatus, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, sqliteKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (p *SQLitePersister) Save(ctx context.Context, statuses []model.CleaningStatus) error {
	data, err := encode(statuses)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sqliteKey, data, time.Now().UTC())
	return err
}
