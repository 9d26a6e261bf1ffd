package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"atelier/pkg/models"
)

// InsertResources attaches artifact rows to a task. Runs on the caller's
// querier so input resources land in the creation transaction.
func (s *Store) InsertResources(ctx context.Context, q Querier, taskID string, resources []models.TaskResource) error {
	for i := range resources {
		r := &resources[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO task_resources (id, task_id, resource_type, is_input, url, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, r.ID, taskID, r.ResourceType, r.IsInput, r.URL, r.Metadata)
		if err != nil {
			return fmt.Errorf("insert task resource: %w", err)
		}
	}
	return nil
}

// ListResources returns a task's artifacts, optionally filtered to inputs or
// outputs.
func (s *Store) ListResources(ctx context.Context, taskID string, isInput *bool) ([]models.TaskResource, error) {
	query := `
		SELECT id, task_id, resource_type, is_input, url, metadata, created_at
		FROM task_resources
		WHERE task_id = $1`
	args := []interface{}{taskID}
	if isInput != nil {
		query += ` AND is_input = $2`
		args = append(args, *isInput)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task resources: %w", err)
	}
	defer rows.Close()

	var resources []models.TaskResource
	for rows.Next() {
		var r models.TaskResource
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ResourceType, &r.IsInput, &r.URL, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task resource: %w", err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// AppendTaskLog persists one structured event on a task's timeline. Log
// writes are best-effort observability; callers log failures and move on.
func (s *Store) AppendTaskLog(ctx context.Context, q Querier, taskID string, level models.LogLevel, message string, data models.JSONB) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_logs (id, task_id, level, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New().String(), taskID, level, message, data)
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}
