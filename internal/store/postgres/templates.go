package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// TemplateStore implements store.TemplateStore using PostgreSQL.
type TemplateStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *TemplateStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const templateColumns = `id, name, category, description, image, variables,
	ports, volumes, total_steps, created_at, updated_at`

// Create creates a new template.
func (s *TemplateStore) Create(ctx context.Context, t *models.Template) error {
	variablesJSON, portsJSON, volumesJSON, err := marshalTemplateJSON(t)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.conn().ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Category,
		t.Description,
		t.Image,
		variablesJSON,
		portsJSON,
		volumesJSON,
		t.TotalSteps,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting template: %w", err)
	}

	return nil
}

// Get retrieves a template by ID.
func (s *TemplateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	t, err := scanTemplate(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return t, nil
}

// List retrieves all templates ordered by category then name.
func (s *TemplateStore) List(ctx context.Context) ([]*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates ORDER BY category, name`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	return scanTemplates(rows)
}

// ListByCategory retrieves templates in the given category.
func (s *TemplateStore) ListByCategory(ctx context.Context, category string) ([]*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE category = $1 ORDER BY name`

	rows, err := s.conn().QueryContext(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("querying templates by category: %w", err)
	}
	defer rows.Close()

	return scanTemplates(rows)
}

// Update updates an existing template.
func (s *TemplateStore) Update(ctx context.Context, t *models.Template) error {
	variablesJSON, portsJSON, volumesJSON, err := marshalTemplateJSON(t)
	if err != nil {
		return err
	}

	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE templates
		SET name = $2, category = $3, description = $4, image = $5,
			variables = $6, ports = $7, volumes = $8, total_steps = $9,
			updated_at = $10
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Category,
		t.Description,
		t.Image,
		variablesJSON,
		portsJSON,
		volumesJSON,
		t.TotalSteps,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// Delete removes a template from the catalog.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// Count returns the number of templates in the catalog.
func (s *TemplateStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting templates: %w", err)
	}
	return count, nil
}

func marshalTemplateJSON(t *models.Template) (variables, ports, volumes []byte, err error) {
	variables, err = json.Marshal(t.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling variables: %w", err)
	}
	ports, err = json.Marshal(t.Ports)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling ports: %w", err)
	}
	volumes, err = json.Marshal(t.Volumes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling volumes: %w", err)
	}
	return variables, ports, volumes, nil
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	t := &models.Template{}
	var variablesJSON, portsJSON, volumesJSON []byte

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Category,
		&t.Description,
		&t.Image,
		&variablesJSON,
		&portsJSON,
		&volumesJSON,
		&t.TotalSteps,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(variablesJSON) > 0 && string(variablesJSON) != "null" {
		if err := json.Unmarshal(variablesJSON, &t.Variables); err != nil {
			return nil, fmt.Errorf("unmarshaling variables: %w", err)
		}
	}
	if len(portsJSON) > 0 && string(portsJSON) != "null" {
		if err := json.Unmarshal(portsJSON, &t.Ports); err != nil {
			return nil, fmt.Errorf("unmarshaling ports: %w", err)
		}
	}
	if len(volumesJSON) > 0 && string(volumesJSON) != "null" {
		if err := json.Unmarshal(volumesJSON, &t.Volumes); err != nil {
			return nil, fmt.Errorf("unmarshaling volumes: %w", err)
		}
	}

	return t, nil
}

func scanTemplates(rows *sql.Rows) ([]*models.Template, error) {
	var templates []*models.Template

	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating template rows: %w", err)
	}

	return templates, nil
}
