package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

func decodeAttributes(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// ListRecipients loads the deduplicated, resolved recipient set for a list.
// Deduplication is by lowercased email; the earliest contact row wins so
// re-expansion sees a stable set.
func (s *Store) ListRecipients(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (LOWER(c.email)) c.id, c.email, c.name, COALESCE(c.attributes, '{}')
		FROM contacts c
		JOIN list_contacts lc ON lc.contact_id = c.id
		WHERE lc.list_id = $1
		ORDER BY LOWER(c.email), c.created_at ASC`, listID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var attrs []byte
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &attrs); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		c.Attributes = decodeAttributes(attrs)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// NewSubTask is one rendered recipient row produced by the expander.
type NewSubTask struct {
	ContactID  uuid.UUID
	Email      string
	Subject    string
	Body       string
	TrackingID string
}

// ExpandTask inserts the rendered subtasks for a task and recomputes its
// counters, all in one transaction. The (task_id, contact_id) unique
// constraint makes re-expansion a no-op for rows that already exist, so a
// crash mid-expansion never produces duplicates.
func (s *Store) ExpandTask(ctx context.Context, taskID uuid.UUID, subs []NewSubTask) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("expand task: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sub_tasks
			(id, task_id, contact_id, email, subject, body, tracking_id,
			 status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, NOW(), NOW())
		ON CONFLICT (task_id, contact_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("expand task: prepare: %w", err)
	}
	defer stmt.Close()

	for _, st := range subs {
		if _, err := stmt.ExecContext(ctx, uuid.New(), taskID, st.ContactID,
			st.Email, st.Subject, st.Body, st.TrackingID); err != nil {
			return 0, fmt.Errorf("expand task: insert subtask: %w", err)
		}
	}

	// Counters come from the real row count, not from len(subs), so a
	// partially-expanded task converges on re-expansion.
	var total, pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'pending')
		FROM sub_tasks WHERE task_id = $1`, taskID).Scan(&total, &pending)
	if err != nil {
		return 0, fmt.Errorf("expand task: recount: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET total_subtasks = $2, pending_subtasks = $3, updated_at = NOW()
		WHERE id = $1`, taskID, total, pending)
	if err != nil {
		return 0, fmt.Errorf("expand task: counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("expand task: commit: %w", err)
	}
	return total, nil
}
