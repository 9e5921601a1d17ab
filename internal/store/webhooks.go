package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WebhookRecord is the persisted shape of one webhook registration. The
// webhook package owns the enum semantics; the store keeps opaque strings.
type WebhookRecord struct {
	WorkflowID          string
	UserID              string
	Method              string
	AuthType            string
	Credentials         string
	ResponseMode        string
	ResponseTemplate    string
	ResponseContentType string
	CreatedAt           time.Time
}

// SaveWebhook inserts or replaces the registration for a workflow.
func (s *Store) SaveWebhook(ctx context.Context, rec WebhookRecord) error {
	if rec.WorkflowID == "" {
		return fmt.Errorf("store: webhook with empty workflow id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (workflow_id, user_id, method, auth_type, credentials,
		                      response_mode, response_template, response_content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			user_id               = excluded.user_id,
			method                = excluded.method,
			auth_type             = excluded.auth_type,
			credentials           = excluded.credentials,
			response_mode         = excluded.response_mode,
			response_template     = excluded.response_template,
			response_content_type = excluded.response_content_type`,
		rec.WorkflowID, rec.UserID, rec.Method, rec.AuthType, rec.Credentials,
		rec.ResponseMode, rec.ResponseTemplate, rec.ResponseContentType, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save webhook %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// GetWebhook returns the registration for a workflow, or ErrNotFound.
func (s *Store) GetWebhook(ctx context.Context, workflowID string) (*WebhookRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, user_id, method, auth_type, credentials,
		       response_mode, response_template, response_content_type, created_at
		FROM webhooks WHERE workflow_id = ?`, workflowID)
	rec, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", workflowID, err)
	}
	return rec, nil
}

// DeleteWebhook removes a registration. Deleting an unknown workflow
// returns ErrNotFound.
func (s *Store) DeleteWebhook(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", workflowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhooks returns every registration, oldest first. Used to warm the
// in-memory registry at startup.
func (s *Store) ListWebhooks(ctx context.Context) ([]WebhookRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, user_id, method, auth_type, credentials,
		       response_mode, response_template, response_content_type, created_at
		FROM webhooks ORDER BY created_at, workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var recs []WebhookRecord
	for rows.Next() {
		rec, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("list webhooks: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*WebhookRecord, error) {
	var rec WebhookRecord
	var createdAt int64
	err := row.Scan(&rec.WorkflowID, &rec.UserID, &rec.Method, &rec.AuthType,
		&rec.Credentials, &rec.ResponseMode, &rec.ResponseTemplate,
		&rec.ResponseContentType, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}
