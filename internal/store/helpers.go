package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// scanFlows decodes flow definition documents from a result set.
func scanFlows(rows *sql.Rows) ([]models.Flow, error) {
	var flows []models.Flow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		var flow models.Flow
		if err := json.Unmarshal([]byte(doc), &flow); err != nil {
			return nil, fmt.Errorf("failed to decode flow document: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func scanFlowRow(row *sql.Row) (*models.Flow, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}
	var flow models.Flow
	if err := json.Unmarshal([]byte(doc), &flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}
	return &flow, nil
}

func scanRunStateRow(row *sql.Row) (*models.RunState, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run state: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("failed to decode run state document: %w", err)
	}
	return &state, nil
}

func scanProfileRow(row *sql.Row) (*models.Profile, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	var profile models.Profile
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile document: %w", err)
	}
	return &profile, nil
}

func scanLeadsRow(row *sql.Row) ([]models.Lead, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan leads: %w", err)
	}
	var leads []models.Lead
	if err := json.Unmarshal([]byte(doc), &leads); err != nil {
		return nil, fmt.Errorf("failed to decode leads document: %w", err)
	}
	return leads, nil
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var feed []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Owner, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		feed = append(feed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	return feed, nil
}

func scanChatMessages(rows *sql.Rows) ([]models.ChatMessage, error) {
	var thread []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.From, &m.Text, &m.Time); err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		thread = append(thread, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat message rows: %w", err)
	}
	return thread, nil
}
