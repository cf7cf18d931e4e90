// Package store provides storage backends for RetainAI.
//
// Every record set (flows, run state, profiles, notifications, leads, chat
// threads) is partitioned by owner email, normalized to lower case. Three
// backends implement the same Store interface: in-memory (tests and dev),
// SQLite (default) and PostgreSQL.
package store

import (
	"strings"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// Store is the persistence contract shared by all backends. Mutations are
// atomic per owner partition: a concurrent reader never observes a
// partially written collection.
type Store interface {
	// Flows
	GetFlows(owner string) ([]models.Flow, error)
	GetFlow(owner, id string) (*models.Flow, error)
	SaveFlow(owner string, flow models.Flow) error
	// DeleteFlow removes the flow and cascades deletion of its run states.
	DeleteFlow(owner, id string) error
	// ListFlowOwners returns every owner that has at least one flow.
	ListFlowOwners() ([]string, error)

	// Run state, keyed by (flow, lead)
	GetRunState(owner, flowID, leadKey string) (*models.RunState, error)
	SaveRunState(owner string, state models.RunState) error
	DeleteRunState(owner, flowID, leadKey string) error
	DeleteRunStatesForFlow(owner, flowID string) error

	// Profiles
	GetProfile(owner string) (*models.Profile, error)
	SaveProfile(owner string, profile models.Profile) error

	// Notifications, append-only, listed newest-first
	AddNotification(n models.Notification) error
	GetNotifications(owner string) ([]models.Notification, error)

	// Leads, whole-collection read-modify-write per owner
	GetLeads(owner string) ([]models.Lead, error)
	SaveLeads(owner string, leads []models.Lead) error

	// Chat threads, append-only per (owner, lead)
	AppendChatMessage(owner, leadKey string, m models.ChatMessage) error
	GetChatThread(owner, leadKey string) ([]models.ChatMessage, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a backend from a single connection-string setting.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
