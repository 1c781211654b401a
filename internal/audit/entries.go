package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
)

// ListEntries returns the history of one object, oldest first.
func ListEntries(ctx context.Context, q database.Querier, modelName, objectPK string) ([]models.AuditEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, actor, action, model_name, object_pk, changes, created_at
		 FROM audit_trail
		 WHERE model_name = $1 AND object_pk = $2
		 ORDER BY id`,
		modelName, objectPK)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var (
			entry   models.AuditEntry
			changes []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.ModelName,
			&entry.ObjectPK,
			&changes,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(changes, &entry.Changes); err != nil {
			return nil, fmt.Errorf("decode audit changes: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// CountByAction counts the entries of one action across all objects of a model.
func CountByAction(ctx context.Context, q database.Querier, modelName string, action models.AuditAction) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_trail WHERE model_name = $1 AND action = $2`,
		modelName, action).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
