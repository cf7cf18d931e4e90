// Package store provides storage backends for RetainAI.
//
// This file implements the PostgreSQL-backed store for multi-node
// deployments. It mirrors the SQLite backend with positional placeholders
// and connection pool tuning.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/Retain-ap/retainai-app/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetFlows(owner string) ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT definition FROM flows WHERE owner = $1`, models.NormalizeOwner(owner))
	if err != nil {
		slog.Error("PostgresStore GetFlows query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func (s *PostgresStore) GetFlow(owner, id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT definition FROM flows WHERE owner = $1 AND id = $2`, models.NormalizeOwner(owner), id)
	return scanFlowRow(row)
}

func (s *PostgresStore) SaveFlow(owner string, flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO flows (owner, id, definition) VALUES ($1, $2, $3)
		ON CONFLICT (owner, id) DO UPDATE SET definition = EXCLUDED.definition`,
		models.NormalizeOwner(owner), flow.ID, string(definition))
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "owner", owner, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlow(owner, id string) error {
	key := models.NormalizeOwner(owner)
	if _, err := s.db.Exec(`DELETE FROM flows WHERE owner = $1 AND id = $2`, key, id); err != nil {
		slog.Error("PostgresStore DeleteFlow failed", "error", err, "owner", owner, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	if err := s.DeleteRunStatesForFlow(key, id); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) ListFlowOwners() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT owner FROM flows`)
	if err != nil {
		slog.Error("PostgresStore ListFlowOwners query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow owners: %w", err)
	}
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner row: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *PostgresStore) GetRunState(owner, flowID, leadKey string) (*models.RunState, error) {
	row := s.db.QueryRow(`SELECT state FROM run_states WHERE owner = $1 AND flow_id = $2 AND lead_key = $3`,
		models.NormalizeOwner(owner), flowID, leadKey)
	return scanRunStateRow(row)
}

func (s *PostgresStore) SaveRunState(owner string, state models.RunState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO run_states (owner, flow_id, lead_key, state) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, flow_id, lead_key) DO UPDATE SET state = EXCLUDED.state`,
		models.NormalizeOwner(owner), state.FlowID, state.LeadKey, string(doc))
	if err != nil {
		slog.Error("PostgresStore SaveRunState failed", "error", err, "flowID", state.FlowID, "leadKey", state.LeadKey)
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRunState(owner, flowID, leadKey string) error {
	_, err := s.db.Exec(`DELETE FROM run_states WHERE owner = $1 AND flow_id = $2 AND lead_key = $3`,
		models.NormalizeOwner(owner), flowID, leadKey)
	if err != nil {
		return fmt.Errorf("failed to delete run state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRunStatesForFlow(owner, flowID string) error {
	_, err := s.db.Exec(`DELETE FROM run_states WHERE owner = $1 AND flow_id = $2`,
		models.NormalizeOwner(owner), flowID)
	if err != nil {
		return fmt.Errorf("failed to delete run states for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(owner string) (*models.Profile, error) {
	row := s.db.QueryRow(`SELECT profile FROM profiles WHERE owner = $1`, models.NormalizeOwner(owner))
	return scanProfileRow(row)
}

func (s *PostgresStore) SaveProfile(owner string, profile models.Profile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO profiles (owner, profile) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET profile = EXCLUDED.profile`,
		models.NormalizeOwner(owner), string(doc))
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "owner", owner)
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddNotification(n models.Notification) error {
	_, err := s.db.Exec(`INSERT INTO notifications (id, owner, title, body, created_at) VALUES ($1, $2, $3, $4, $5)`,
		n.ID, models.NormalizeOwner(n.Owner), n.Title, n.Body, n.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddNotification failed", "error", err, "owner", n.Owner)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotifications(owner string) ([]models.Notification, error) {
	rows, err := s.db.Query(`SELECT id, owner, title, body, created_at FROM notifications WHERE owner = $1 ORDER BY seq DESC`,
		models.NormalizeOwner(owner))
	if err != nil {
		slog.Error("PostgresStore GetNotifications query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *PostgresStore) GetLeads(owner string) ([]models.Lead, error) {
	row := s.db.QueryRow(`SELECT leads FROM leads WHERE owner = $1`, models.NormalizeOwner(owner))
	return scanLeadsRow(row)
}

func (s *PostgresStore) SaveLeads(owner string, leads []models.Lead) error {
	doc, err := json.Marshal(leads)
	if err != nil {
		return fmt.Errorf("failed to marshal leads: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO leads (owner, leads) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET leads = EXCLUDED.leads`,
		models.NormalizeOwner(owner), string(doc))
	if err != nil {
		slog.Error("PostgresStore SaveLeads failed", "error", err, "owner", owner)
		return fmt.Errorf("failed to save leads: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendChatMessage(owner, leadKey string, m models.ChatMessage) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (owner, lead_key, sender, body, time) VALUES ($1, $2, $3, $4, $5)`,
		models.NormalizeOwner(owner), leadKey, m.From, m.Text, m.Time)
	if err != nil {
		slog.Error("PostgresStore AppendChatMessage failed", "error", err, "owner", owner, "leadKey", leadKey)
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChatThread(owner, leadKey string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM chat_messages WHERE owner = $1 AND lead_key = $2 ORDER BY seq`,
		models.NormalizeOwner(owner), leadKey)
	if err != nil {
		slog.Error("PostgresStore GetChatThread query failed", "error", err, "owner", owner, "leadKey", leadKey)
		return nil, fmt.Errorf("failed to query chat thread: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
