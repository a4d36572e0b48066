package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
)

// DeploymentLogStore implements store.DeploymentLogStore using PostgreSQL.
// The table is append-only; there is no update or delete path.
type DeploymentLogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *DeploymentLogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append inserts a new log entry.
func (s *DeploymentLogStore) Append(ctx context.Context, entry *models.DeploymentLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO deployment_logs (deployment_id, level, message, step, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.conn().QueryRowContext(ctx, query,
		entry.DeploymentID,
		entry.Level,
		entry.Message,
		entry.Step,
		entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting deployment log entry: %w", err)
	}

	return nil
}

// List retrieves up to limit entries for a deployment, oldest first.
func (s *DeploymentLogStore) List(ctx context.Context, deploymentID string, limit int) ([]*models.DeploymentLogEntry, error) {
	query := `
		SELECT id, deployment_id, level, message, step, timestamp
		FROM deployment_logs
		WHERE deployment_id = $1
		ORDER BY timestamp ASC, id ASC`
	args := []any{deploymentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployment logs: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

// ListAfter retrieves entries with an ID greater than afterID, oldest first.
func (s *DeploymentLogStore) ListAfter(ctx context.Context, deploymentID string, afterID int64, limit int) ([]*models.DeploymentLogEntry, error) {
	query := `
		SELECT id, deployment_id, level, message, step, timestamp
		FROM deployment_logs
		WHERE deployment_id = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{deploymentID, afterID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployment logs after id: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

func scanLogEntries(rows *sql.Rows) ([]*models.DeploymentLogEntry, error) {
	var entries []*models.DeploymentLogEntry

	for rows.Next() {
		entry := &models.DeploymentLogEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.DeploymentID,
			&entry.Level,
			&entry.Message,
			&entry.Step,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning log entry row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entry rows: %w", err)
	}

	return entries, nil
}
