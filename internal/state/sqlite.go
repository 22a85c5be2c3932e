package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS stage_records(
	namespace TEXT NOT NULL,
	stage TEXT NOT NULL,
	inputs TEXT NOT NULL,
	outputs TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT 'null',
	completed_at TEXT NOT NULL,
	PRIMARY KEY (namespace, stage)
)`

// SQLiteStore keeps records in a local SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path, namespace string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	if err := addConfigColumn(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating state schema: %w", err)
	}
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

// addConfigColumn upgrades databases written before stage records carried
// their configuration.
func addConfigColumn(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('stage_records') WHERE name = 'config'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE stage_records ADD COLUMN config TEXT NOT NULL DEFAULT 'null'`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, stage string) (*wetwire.StageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stage, inputs, outputs, config, completed_at FROM stage_records WHERE namespace = ? AND stage = ?`,
		s.namespace, stage)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec wetwire.StageRecord) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return err
	}
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_records(namespace, stage, inputs, outputs, config, completed_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(namespace, stage) DO UPDATE SET inputs = excluded.inputs, outputs = excluded.outputs,
		 config = excluded.config, completed_at = excluded.completed_at`,
		s.namespace, rec.Stage, string(inputs), string(outputs), string(config), rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("saving stage %s: %w", rec.Stage, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_records WHERE namespace = ? AND stage = ?`, s.namespace, stage)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]wetwire.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, inputs, outputs, config, completed_at FROM stage_records WHERE namespace = ? ORDER BY stage ASC`,
		s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wetwire.StageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*wetwire.StageRecord, error) {
	var rec wetwire.StageRecord
	var inputs, outputs, config string
	if err := row.Scan(&rec.Stage, &inputs, &outputs, &config, &rec.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("decoding inputs of %s: %w", rec.Stage, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("decoding outputs of %s: %w", rec.Stage, err)
	}
	if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
		return nil, fmt.Errorf("decoding config of %s: %w", rec.Stage, err)
	}
	return &rec, nil
}
