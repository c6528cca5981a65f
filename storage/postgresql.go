package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/eddielth/heatpump-core/logger"
)

var postgresDialect = dialect{
	name:     "postgresql",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			external_id VARCHAR(64) NOT NULL,
			org_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			site_external_id VARCHAR(64) NOT NULL,
			model VARCHAR(128) NOT NULL DEFAULT '',
			last_seen_at TIMESTAMPTZ,
			UNIQUE (site_external_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_points (
			device_id BIGINT NOT NULL,
			metric VARCHAR(64) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (device_id, metric, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS latest_snapshots (
			device_id BIGINT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			metrics JSONB NOT NULL,
			raw BYTEA,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id BIGSERIAL PRIMARY KEY,
			org_id BIGINT NOT NULL,
			site_id BIGINT,
			device_id BIGINT,
			metric VARCHAR(64) NOT NULL DEFAULT '',
			rule_type VARCHAR(32) NOT NULL,
			direction VARCHAR(16) NOT NULL DEFAULT '',
			threshold DOUBLE PRECISION,
			roc_window_sec INTEGER,
			offline_grace_sec INTEGER,
			severity VARCHAR(16) NOT NULL,
			snooze_default_sec INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS alert_instances (
			id VARCHAR(36) PRIMARY KEY,
			rule_id BIGINT NOT NULL,
			device_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			severity VARCHAR(16) NOT NULL,
			alert_type VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			cleared_at TIMESTAMPTZ,
			acknowledged_by VARCHAR(255),
			acknowledged_at TIMESTAMPTZ,
			muted_until TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_alert_active ON alert_instances (rule_id, device_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_alert_device ON alert_instances (device_id)`,
	},
	insertPoints:   `INSERT INTO telemetry_points (device_id, metric, ts, value) VALUES `,
	pointsConflict: ` ON CONFLICT (device_id, metric, ts) DO NOTHING`,
	upsertLatest: `INSERT INTO latest_snapshots (device_id, ts, metrics, raw, received_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET ts = EXCLUDED.ts, metrics = EXCLUDED.metrics, raw = EXCLUDED.raw, received_at = EXCLUDED.received_at
		WHERE latest_snapshots.ts <= EXCLUDED.ts`,
	insertAlert: `INSERT INTO alert_instances (id, rule_id, device_id, site_id, severity, alert_type, message, status, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, device_id) WHERE status = 'active' DO NOTHING`,
}

// PostgreSQLStorage is the PostgreSQL backend
type PostgreSQLStorage struct {
	sqlStore
	database string
}

// NewPostgreSQLStorage connects to dsn, creating the database and tables when missing
func NewPostgreSQLStorage(dsn string) (*PostgreSQLStorage, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgresql dsn: %w", err)
	}

	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgresql server: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		// CREATE DATABASE cannot run inside a transaction or take parameters
		if _, err = serverDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database)); err != nil {
			return nil, fmt.Errorf("create database %s: %w", database, err)
		}
		logger.Info("created postgresql database: %s", database)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgresql database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgresql database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := newPostgreSQLStorage(db, database)
	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("postgresql storage initialized: %s", database)
	return storage, nil
}

func newPostgreSQLStorage(db *sql.DB, database string) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: sqlStore{db: db, dialect: postgresDialect},
		database: database,
	}
}

// parsePostgreSQLDSN extracts the database name and a DSN for the maintenance database
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if dsn, err = pq.ParseURL(dsn); err != nil {
			return "", "", err
		}
	}

	kvPairs := strings.Fields(dsn)
	serverKVPairs := make([]string, 0, len(kvPairs)+1)
	for _, kv := range kvPairs {
		if strings.HasPrefix(kv, "dbname=") {
			database = strings.Trim(strings.TrimPrefix(kv, "dbname="), "'")
			continue
		}
		serverKVPairs = append(serverKVPairs, kv)
	}

	if database == "" {
		return "", "", fmt.Errorf("no database name in dsn")
	}

	serverDSN = strings.Join(append(serverKVPairs, "dbname=postgres"), " ")
	return database, serverDSN, nil
}
