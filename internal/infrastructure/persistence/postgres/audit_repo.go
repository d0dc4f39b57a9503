package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUDIT LOG REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AuditRepository implements audit.Store for PostgreSQL.
type AuditRepository struct {
	conn *Connection
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(conn *Connection) *AuditRepository {
	return &AuditRepository{conn: conn}
}

// Append inserts one audit row. Rows are never updated.
func (r *AuditRepository) Append(ctx context.Context, e *audit.Entry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	var reason *string
	if e.Reason != "" {
		reason = &e.Reason
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO enrollment_audit_log (
			id, course_id, student_id, action, performed_by, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		e.ID,
		e.CourseID,
		e.StudentID,
		string(e.Action),
		e.PerformedBy,
		reason,
		metaJSON,
		e.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			// Re-delivered entry; already stored.
			return nil
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
