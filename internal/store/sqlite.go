// Package store provides storage backends for RetainAI.
//
// This file implements the SQLite-backed store, the default for single-node
// deployments. Flow, run-state, profile and lead documents are persisted as
// JSON text columns.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/Retain-ap/retainai-app/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetFlows(owner string) ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT definition FROM flows WHERE owner = ?`, models.NormalizeOwner(owner))
	if err != nil {
		slog.Error("SQLiteStore GetFlows query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func (s *SQLiteStore) GetFlow(owner, id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT definition FROM flows WHERE owner = ? AND id = ?`, models.NormalizeOwner(owner), id)
	return scanFlowRow(row)
}

func (s *SQLiteStore) SaveFlow(owner string, flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO flows (owner, id, definition) VALUES (?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET definition = excluded.definition`,
		models.NormalizeOwner(owner), flow.ID, string(definition))
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "owner", owner, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFlow(owner, id string) error {
	key := models.NormalizeOwner(owner)
	if _, err := s.db.Exec(`DELETE FROM flows WHERE owner = ? AND id = ?`, key, id); err != nil {
		slog.Error("SQLiteStore DeleteFlow failed", "error", err, "owner", owner, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	// Cascade: a deleted flow must not leave run state behind.
	if err := s.DeleteRunStatesForFlow(key, id); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ListFlowOwners() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT owner FROM flows`)
	if err != nil {
		slog.Error("SQLiteStore ListFlowOwners query failed", "error", err)
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

func (s *SQLiteStore) GetRunState(owner, flowID, leadKey string) (*models.RunState, error) {
	row := s.db.QueryRow(`SELECT state FROM run_states WHERE owner = ? AND flow_id = ? AND lead_key = ?`,
		models.NormalizeOwner(owner), flowID, leadKey)
	return scanRunStateRow(row)
}

func (s *SQLiteStore) SaveRunState(owner string, state models.RunState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO run_states (owner, flow_id, lead_key, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, flow_id, lead_key) DO UPDATE SET state = excluded.state`,
		models.NormalizeOwner(owner), state.FlowID, state.LeadKey, string(doc))
	if err != nil {
		slog.Error("SQLiteStore SaveRunState failed", "error", err, "flowID", state.FlowID, "leadKey", state.LeadKey)
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRunState(owner, flowID, leadKey string) error {
	_, err := s.db.Exec(`DELETE FROM run_states WHERE owner = ? AND flow_id = ? AND lead_key = ?`,
		models.NormalizeOwner(owner), flowID, leadKey)
	if err != nil {
		return fmt.Errorf("failed to delete run state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRunStatesForFlow(owner, flowID string) error {
	_, err := s.db.Exec(`DELETE FROM run_states WHERE owner = ? AND flow_id = ?`,
		models.NormalizeOwner(owner), flowID)
	if err != nil {
		return fmt.Errorf("failed to delete run states for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *SQLiteStore) GetProfile(owner string) (*models.Profile, error) {
	row := s.db.QueryRow(`SELECT profile FROM profiles WHERE owner = ?`, models.NormalizeOwner(owner))
	return scanProfileRow(row)
}

func (s *SQLiteStore) SaveProfile(owner string, profile models.Profile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO profiles (owner, profile) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET profile = excluded.profile`,
		models.NormalizeOwner(owner), string(doc))
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "owner", owner)
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddNotification(n models.Notification) error {
	_, err := s.db.Exec(`INSERT INTO notifications (id, owner, title, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, models.NormalizeOwner(n.Owner), n.Title, n.Body, n.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddNotification failed", "error", err, "owner", n.Owner)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNotifications(owner string) ([]models.Notification, error) {
	rows, err := s.db.Query(`SELECT id, owner, title, body, created_at FROM notifications WHERE owner = ? ORDER BY seq DESC`,
		models.NormalizeOwner(owner))
	if err != nil {
		slog.Error("SQLiteStore GetNotifications query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *SQLiteStore) GetLeads(owner string) ([]models.Lead, error) {
	row := s.db.QueryRow(`SELECT leads FROM leads WHERE owner = ?`, models.NormalizeOwner(owner))
	return scanLeadsRow(row)
}

func (s *SQLiteStore) SaveLeads(owner string, leads []models.Lead) error {
	doc, err := json.Marshal(leads)
	if err != nil {
		return fmt.Errorf("failed to marshal leads: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO leads (owner, leads) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET leads = excluded.leads`,
		models.NormalizeOwner(owner), string(doc))
	if err != nil {
		slog.Error("SQLiteStore SaveLeads failed", "error", err, "owner", owner)
		return fmt.Errorf("failed to save leads: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendChatMessage(owner, leadKey string, m models.ChatMessage) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (owner, lead_key, sender, body, time) VALUES (?, ?, ?, ?, ?)`,
		models.NormalizeOwner(owner), leadKey, m.From, m.Text, m.Time)
	if err != nil {
		slog.Error("SQLiteStore AppendChatMessage failed", "error", err, "owner", owner, "leadKey", leadKey)
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChatThread(owner, leadKey string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM chat_messages WHERE owner = ? AND lead_key = ? ORDER BY seq`,
		models.NormalizeOwner(owner), leadKey)
	if err != nil {
		slog.Error("SQLiteStore GetChatThread query failed", "error", err, "owner", owner, "leadKey", leadKey)
		return nil, fmt.Errorf("failed to query chat thread: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
