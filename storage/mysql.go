package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/heatpump-core/logger"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			external_id VARCHAR(64) NOT NULL,
			org_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			site_external_id VARCHAR(64) NOT NULL,
			model VARCHAR(128) NOT NULL DEFAULT '',
			last_seen_at DATETIME(6) NULL,
			UNIQUE KEY ux_device_external (site_external_id, external_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS telemetry_points (
			device_id BIGINT NOT NULL,
			metric VARCHAR(64) NOT NULL,
			ts DATETIME(6) NOT NULL,
			value DOUBLE NOT NULL,
			PRIMARY KEY (device_id, metric, ts)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS latest_snapshots (
			device_id BIGINT PRIMARY KEY,
			ts DATETIME(6) NOT NULL,
			metrics JSON NOT NULL,
			raw LONGBLOB,
			received_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			site_id BIGINT NULL,
			device_id BIGINT NULL,
			metric VARCHAR(64) NOT NULL DEFAULT '',
			rule_type VARCHAR(32) NOT NULL,
			direction VARCHAR(16) NOT NULL DEFAULT '',
			threshold DOUBLE NULL,
			roc_window_sec INT NULL,
			offline_grace_sec INT NULL,
			severity VARCHAR(16) NOT NULL,
			snooze_default_sec INT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		// active_key is NULL for cleared rows, so the unique key only binds active instances
		`CREATE TABLE IF NOT EXISTS alert_instances (
			id VARCHAR(36) PRIMARY KEY,
			rule_id BIGINT NOT NULL,
			device_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			severity VARCHAR(16) NOT NULL,
			alert_type VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			first_seen_at DATETIME(6) NOT NULL,
			last_seen_at DATETIME(6) NOT NULL,
			cleared_at DATETIME(6) NULL,
			acknowledged_by VARCHAR(255) NULL,
			acknowledged_at DATETIME(6) NULL,
			muted_until DATETIME(6) NULL,
			active_key VARCHAR(64) AS (IF(status = 'active', CONCAT(rule_id, ':', device_id), NULL)) STORED,
			UNIQUE KEY ux_alert_active (active_key),
			INDEX idx_alert_device (device_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	insertPoints:   `INSERT INTO telemetry_points (device_id, metric, ts, value) VALUES `,
	pointsConflict: ` ON DUPLICATE KEY UPDATE device_id = device_id`,
	// ts is assigned last because MySQL evaluates assignments left to right
	upsertLatest: `INSERT INTO latest_snapshots (device_id, ts, metrics, raw, received_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			metrics = IF(VALUES(ts) >= ts, VALUES(metrics), metrics),
			raw = IF(VALUES(ts) >= ts, VALUES(raw), raw),
			received_at = IF(VALUES(ts) >= ts, VALUES(received_at), received_at),
			ts = IF(VALUES(ts) >= ts, VALUES(ts), ts)`,
	insertAlert: `INSERT INTO alert_instances (id, rule_id, device_id, site_id, severity, alert_type, message, status, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
}

// MySQLStorage is the MySQL backend
type MySQLStorage struct {
	sqlStore
	database string
}

// NewMySQLStorage connects to dsn, creating the database and tables when missing
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	cfg, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	database := cfg.DBName

	serverCfg := cfg.Clone()
	serverCfg.DBName = ""
	serverDB, err := sql.Open("mysql", serverCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", database, err)
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := newMySQLStorage(db, database)
	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("mysql storage initialized: %s", database)
	return storage, nil
}

func newMySQLStorage(db *sql.DB, database string) *MySQLStorage {
	return &MySQLStorage{
		sqlStore: sqlStore{db: db, dialect: mysqlDialect},
		database: database,
	}
}

// parseMySQLDSN parses dsn and forces UTC time handling so DATETIME columns round-trip as time.Time
func parseMySQLDSN(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("no database name in dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}
