package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Use it when several server instances share run history.
//
// Schema:
//   - run_transcripts: one row per run, the full transcript as JSON plus
//     the columns List needs
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore connects to dsn and creates the schema if needed.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Pass the DSN through
//	MARKETGRAPH_STORE_DSN or the config file.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{sqlStore: sqlStore{
		db: db,
		upsert: `INSERT INTO run_transcripts (run_id, status, message_count, started_at, finished_at, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				message_count = VALUES(message_count),
				started_at = VALUES(started_at),
				finished_at = VALUES(finished_at),
				body = VALUES(body)`,
	}}

	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS run_transcripts (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			message_count INT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			body LONGTEXT NOT NULL,
			INDEX idx_transcripts_started (started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create run_transcripts table: %w", err)
	}
	return nil
}

// Save implements Store.
func (m *MySQLStore) Save(ctx context.Context, t Transcript) error {
	return m.save(ctx, t)
}

// Load implements Store.
func (m *MySQLStore) Load(ctx context.Context, runID string) (Transcript, error) {
	return m.load(ctx, runID)
}

// List implements Store.
func (m *MySQLStore) List(ctx context.Context, limit int) ([]Summary, error) {
	return m.list(ctx, limit)
}

// Close implements Store.
func (m *MySQLStore) Close() error {
	return m.close()
}
