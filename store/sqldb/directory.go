package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c *conn) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	_, err := c.exec(ctx, `
		INSERT INTO audit_entries
		(id, fee_record_id, table_name, record_id, action, old_value, new_value, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FeeRecordID, e.TableName, e.RecordID, string(e.Action),
		nullString(string(e.OldValue)), nullString(string(e.NewValue)), e.ActorID, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (c *conn) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.FeeRecordID != nil {
		where = append(where, "fee_record_id = ?")
		args = append(args, *filter.FeeRecordID)
	}
	if filter.RecordID != nil {
		where = append(where, "record_id = ?")
		args = append(args, *filter.RecordID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + auditColumns + " FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []auditRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	out := make([]ledger.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

func (c *conn) SaveStudent(ctx context.Context, s ledger.Student) error {
	_, err := c.exec(ctx, `
		INSERT INTO students (id, admission_no, name, class_id, session_year_id, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			admission_no = excluded.admission_no,
			name = excluded.name,
			class_id = excluded.class_id,
			session_year_id = excluded.session_year_id,
			deleted_at = excluded.deleted_at`,
		s.ID, s.AdmissionNo, s.Name, s.ClassID, s.SessionYearID, nullTime(s.DeletedAt), s.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save student %s: %w", s.ID, err)
	}
	return nil
}

func (c *conn) GetStudent(ctx context.Context, id ledger.StudentID) (*ledger.Student, error) {
	var row studentRow
	found, err := c.get(ctx, &row, "SELECT "+studentColumns+" FROM students WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load student %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	s := row.toLedger()
	return &s, nil
}

func (c *conn) SoftDeleteStudent(ctx context.Context, id ledger.StudentID, at time.Time) error {
	res, err := c.exec(ctx,
		"UPDATE students SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete student %s: %w", id, err)
	}
	return expectOne(res, "student", string(id))
}

// =============================================================================
// FEE STRUCTURES
// =============================================================================

// SaveFeeStructure upserts on (class_id, session_year_id).
func (c *conn) SaveFeeStructure(ctx context.Context, fs ledger.FeeStructureRecord) error {
	_, err := c.exec(ctx, `
		INSERT INTO fee_structures
		(id, class_id, session_year_id, total_amount, components_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (class_id, session_year_id) DO UPDATE SET
			total_amount = excluded.total_amount,
			components_json = excluded.components_json,
			updated_at = excluded.updated_at`,
		fs.ID, fs.ClassID, fs.SessionYearID, fs.TotalAmount, fs.ComponentsJSON,
		fs.CreatedAt.UTC(), fs.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save fee structure %s/%s: %w", fs.ClassID, fs.SessionYearID, err)
	}
	return nil
}

func (c *conn) GetFeeStructure(ctx context.Context, classID, sessionYearID string) (*ledger.FeeStructureRecord, error) {
	var row feeStructureRow
	found, err := c.get(ctx, &row,
		"SELECT "+feeStructureColumns+" FROM fee_structures WHERE class_id = ? AND session_year_id = ?",
		classID, sessionYearID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee structure %s/%s: %w", classID, sessionYearID, err)
	}
	if !found {
		return nil, nil
	}
	fs := row.toLedger()
	return &fs, nil
}

func (c *conn) ListFeeStructures(ctx context.Context, sessionYearID string) ([]ledger.FeeStructureRecord, error) {
	var rows []feeStructureRow
	err := c.selectAll(ctx, &rows,
		"SELECT "+feeStructureColumns+" FROM fee_structures WHERE session_year_id = ? ORDER BY class_id ASC",
		sessionYearID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee structures: %w", err)
	}
	out := make([]ledger.FeeStructureRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}
