package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

var db *sql.DB

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GetConfig returns database configuration with defaults
func GetConfig() *DBConfig {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "sikaplan_payments")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	return &DBConfig{
		Host:            viper.GetString("database.host"),
		Port:            viper.GetString("database.port"),
		User:            viper.GetString("database.user"),
		Password:        viper.GetString("database.password"),
		Name:            viper.GetString("database.name"),
		SSLMode:         viper.GetString("database.ssl_mode"),
		MaxOpenConns:    viper.GetInt("database.max_open_conns"),
		MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
	}
}

// InitDB initializes the database connection and ensures the schema
// exists.
func InitDB() (*sql.DB, error) {
	config := GetConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Name, config.SSLMode,
	)

	var err error
	db, err = sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err = Migrate(db); err != nil {
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}

	log.Println("Database connection established")
	return db, nil
}

// Migrate creates the schema if it does not exist yet. Statements are
// idempotent so restarts are safe.
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contracts (
			id VARCHAR(64) PRIMARY KEY,
			customer_id VARCHAR(64) NOT NULL,
			customer_phone VARCHAR(20) NOT NULL,
			total_price BIGINT NOT NULL,
			deposit_amount BIGINT NOT NULL DEFAULT 0,
			finance_amount BIGINT NOT NULL,
			total_paid BIGINT NOT NULL DEFAULT 0,
			outstanding_balance BIGINT NOT NULL,
			credit_balance BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			payment_method VARCHAR(30) NOT NULL DEFAULT 'MOBILE_MONEY',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS installments (
			id VARCHAR(64) PRIMARY KEY,
			contract_id VARCHAR(64) NOT NULL REFERENCES contracts(id),
			sequence INT NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			amount BIGINT NOT NULL,
			paid_amount BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (contract_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS penalties (
			id VARCHAR(64) PRIMARY KEY,
			contract_id VARCHAR(64) NOT NULL REFERENCES contracts(id),
			amount BIGINT NOT NULL,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			reason VARCHAR(200),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id BIGSERIAL PRIMARY KEY,
			reference VARCHAR(40) NOT NULL UNIQUE,
			contract_id VARCHAR(64) NOT NULL REFERENCES contracts(id),
			amount BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			channel VARCHAR(40) NOT NULL,
			network VARCHAR(20) NOT NULL,
			phone VARCHAR(20) NOT NULL,
			external_ref VARCHAR(80),
			failure_reason VARCHAR(200),
			retry_count INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			auto_retry_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			metadata JSONB,
			payment_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_retry
			ON payment_transactions (status, next_retry_at)
			WHERE status = 'FAILED'`,
		`CREATE TABLE IF NOT EXISTS payment_retries (
			id BIGSERIAL PRIMARY KEY,
			payment_id BIGINT NOT NULL REFERENCES payment_transactions(id),
			attempt_number INT NOT NULL,
			reference VARCHAR(40) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL,
			response_code VARCHAR(10),
			message VARCHAR(300),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			UNIQUE (payment_id, attempt_number)
		)`,
		`CREATE TABLE IF NOT EXISTS retry_settings (
			id SERIAL PRIMARY KEY,
			auto_retry_enabled BOOLEAN NOT NULL,
			max_retry_attempts INT NOT NULL,
			retry_interval_hours INT NOT NULL,
			retry_schedule BIGINT[] NOT NULL,
			notify_customer BOOLEAN NOT NULL,
			sms_template TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			action VARCHAR(60) NOT NULL,
			entity VARCHAR(40) NOT NULL,
			entity_id VARCHAR(80) NOT NULL,
			old_value JSONB,
			new_value JSONB,
			actor VARCHAR(60) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetDB returns the database connection
func GetDB() *sql.DB {
	return db
}

// CloseDB closes the database connection
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// InitDatabase initializes database with error handling
func InitDatabase() *sql.DB {
	db, err := InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	return db
}
