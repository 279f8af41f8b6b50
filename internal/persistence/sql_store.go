package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered selects $1, $2 placeholders instead of ?.
	numbered bool
	schema   []string
	// isUniqueViolation classifies duplicate-key errors.
	isUniqueViolation func(error) bool
}

// SQLStore implements DefinitionStore, InstanceStore and EventStore on top
// of database/sql. Use NewSQLiteStore or NewPostgresStore to create one.
//
// Times are stored as unix nanoseconds. Instance context and definition
// bodies are gob-encoded.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var (
	_ DefinitionStore = (*SQLStore)(nil)
	_ InstanceStore   = (*SQLStore)(nil)
	_ EventStore      = (*SQLStore)(nil)
)

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// q rewrites ? placeholders for dialects using numbered parameters.
func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) classify(err error) error {
	if err != nil && s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

//
// Definitions
//

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) insertDefinition(ctx context.Context, ex execer, def api.WorkflowDefinition) error {
	body, err := EncodeValue(def)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.q(`
		INSERT INTO workflow_definitions (id, version, name, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		def.ID,
		def.Version,
		def.Name,
		string(def.Status),
		body,
		def.CreatedAt.UnixNano(),
		def.UpdatedAt.UnixNano(),
	)
	return s.classify(err)
}

func (s *SQLStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	return s.insertDefinition(ctx, s.db, def)
}

func (s *SQLStore) PublishVersion(ctx context.Context, def api.WorkflowDefinition, previousVersion int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.setDefinitionStatus(ctx, tx, def.ID, previousVersion, api.DefinitionArchived, def.CreatedAt); err != nil {
			return err
		}
		return s.insertDefinition(ctx, tx, def)
	})
}

func (s *SQLStore) SetDefinitionStatus(ctx context.Context, workflowID string, version int, status api.DefinitionStatus, at time.Time) error {
	return s.setDefinitionStatus(ctx, s.db, workflowID, version, status, at)
}

func (s *SQLStore) setDefinitionStatus(ctx context.Context, ex execer, workflowID string, version int, status api.DefinitionStatus, at time.Time) error {
	res, err := ex.ExecContext(ctx, s.q(`
		UPDATE workflow_definitions SET status = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		string(status), at.UnixNano(), workflowID, version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionNotFound
	}
	return nil
}

func scanDefinition(scan func(dest ...any) error) (api.WorkflowDefinition, error) {
	var (
		status    string
		body      []byte
		updatedAt int64
	)
	if err := scan(&status, &body, &updatedAt); err != nil {
		return api.WorkflowDefinition{}, err
	}
	def, err := DecodeValue[api.WorkflowDefinition](body)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	def.Status = api.DefinitionStatus(status)
	def.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return def, nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT status, body, updated_at FROM workflow_definitions
		WHERE id = ? AND version = ?`), workflowID, version)
	def, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, latestErr := s.GetLatestDefinition(ctx, workflowID); latestErr != nil {
			return api.WorkflowDefinition{}, latestErr
		}
		return api.WorkflowDefinition{}, ErrVersionNotFound
	}
	return def, err
}

func (s *SQLStore) GetLatestDefinition(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT status, body, updated_at FROM workflow_definitions
		WHERE id = ? ORDER BY version DESC LIMIT 1`), workflowID)
	def, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	return def, err
}

func (s *SQLStore) ListDefinitionVersions(ctx context.Context, workflowID string) ([]api.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT status, body, updated_at FROM workflow_definitions
		WHERE id = ? ORDER BY version ASC`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrWorkflowNotFound
	}
	return out, nil
}

//
// Instances
//

const instanceColumns = `id, workflow_id, workflow_version, entity_type, entity_id, current_step, status,
	context, initiated_by, initiated_at, completed_at, cancelled_at, cancellation_reason, updated_at, revision`

const approvalColumns = `id, instance_id, step_number, round, approver_id, status, decision, comments,
	opened_at, approved_at, expires_at, delegated_to, delegated_at`

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func (s *SQLStore) CreateInstance(ctx context.Context, st *InstanceState) error {
	ctxBytes, err := encodeContext(st.Instance.Context)
	if err != nil {
		return err
	}
	inst := st.Instance
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.ID,
			inst.WorkflowID,
			inst.WorkflowVersion,
			inst.EntityType,
			inst.EntityID,
			inst.CurrentStep,
			string(inst.Status),
			ctxBytes,
			inst.InitiatedBy,
			inst.InitiatedAt.UnixNano(),
			nanos(inst.CompletedAt),
			nanos(inst.CancelledAt),
			inst.CancellationReason,
			inst.UpdatedAt.UnixNano(),
			inst.Revision,
		)
		if err != nil {
			return s.classify(err)
		}
		return s.insertApprovals(ctx, tx, st.Approvals)
	})
}

func (s *SQLStore) insertApprovals(ctx context.Context, tx *sql.Tx, approvals []*api.WorkflowApproval) error {
	for _, a := range approvals {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO workflow_approvals (`+approvalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID,
			a.InstanceID,
			a.StepNumber,
			a.Round,
			a.ApproverID,
			string(a.Status),
			string(a.Decision),
			a.Comments,
			a.OpenedAt.UnixNano(),
			nanos(a.ApprovedAt),
			nanos(a.ExpiresAt),
			a.DelegatedTo,
			nanos(a.DelegatedAt),
		)
		if err != nil {
			return s.classify(err)
		}
	}
	return nil
}

func (s *SQLStore) UpdateInstance(ctx context.Context, st *InstanceState, expectedRevision int64) error {
	ctxBytes, err := encodeContext(st.Instance.Context)
	if err != nil {
		return err
	}
	inst := st.Instance
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE workflow_instances
			SET workflow_version = ?, current_step = ?, status = ?, context = ?,
			    completed_at = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?, revision = ?
			WHERE id = ? AND revision = ?`),
			inst.WorkflowVersion,
			inst.CurrentStep,
			string(inst.Status),
			ctxBytes,
			nanos(inst.CompletedAt),
			nanos(inst.CancelledAt),
			inst.CancellationReason,
			inst.UpdatedAt.UnixNano(),
			inst.Revision,
			inst.ID,
			expectedRevision,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM workflow_instances WHERE id = ?`), inst.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInstanceNotFound
			}
			if err != nil {
				return err
			}
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM workflow_approvals WHERE instance_id = ?`), inst.ID); err != nil {
			return err
		}
		return s.insertApprovals(ctx, tx, st.Approvals)
	})
}

func scanInstance(scan func(dest ...any) error) (*api.WorkflowInstance, error) {
	var (
		inst                     api.WorkflowInstance
		status                   string
		ctxBytes                 []byte
		initiatedAt, updatedAt   int64
		completedAt, cancelledAt sql.NullInt64
	)
	if err := scan(
		&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStep, &status, &ctxBytes, &inst.InitiatedBy, &initiatedAt,
		&completedAt, &cancelledAt, &inst.CancellationReason, &updatedAt, &inst.Revision,
	); err != nil {
		return nil, err
	}
	ctxMap, err := decodeContext(ctxBytes)
	if err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.Context = ctxMap
	inst.InitiatedAt = time.Unix(0, initiatedAt).UTC()
	inst.UpdatedAt = time.Unix(0, updatedAt).UTC()
	inst.CompletedAt = fromNanos(completedAt)
	inst.CancelledAt = fromNanos(cancelledAt)
	return &inst, nil
}

func scanApproval(scan func(dest ...any) error) (*api.WorkflowApproval, error) {
	var (
		a                                 api.WorkflowApproval
		status, decision                  string
		openedAt                          int64
		approvedAt, expiresAt, delegatedAt sql.NullInt64
	)
	if err := scan(
		&a.ID, &a.InstanceID, &a.StepNumber, &a.Round, &a.ApproverID, &status, &decision, &a.Comments,
		&openedAt, &approvedAt, &expiresAt, &a.DelegatedTo, &delegatedAt,
	); err != nil {
		return nil, err
	}
	a.Status = api.ApprovalStatus(status)
	a.Decision = api.Decision(decision)
	a.OpenedAt = time.Unix(0, openedAt).UTC()
	a.ApprovedAt = fromNanos(approvedAt)
	a.ExpiresAt = fromNanos(expiresAt)
	a.DelegatedAt = fromNanos(delegatedAt)
	return &a, nil
}

func (s *SQLStore) queryApprovals(ctx context.Context, ex execer, where string, args ...any) ([]*api.WorkflowApproval, error) {
	rows, err := ex.QueryContext(ctx, s.q(`SELECT `+approvalColumns+` FROM workflow_approvals WHERE `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*InstanceState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`), id)
	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}

	approvals, err := s.queryApprovals(ctx, s.db, `instance_id = ?`, id)
	if err != nil {
		return nil, err
	}
	api.SortApprovals(approvals)
	return &InstanceState{Instance: inst, Approvals: approvals}, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkflowVersion != 0 {
		clauses = append(clauses, "workflow_version = ?")
		args = append(args, filter.WorkflowVersion)
	}
	if filter.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY initiated_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLStore) ListPendingApprovals(ctx context.Context, approverID string) ([]*api.WorkflowApproval, error) {
	out, err := s.queryApprovals(ctx, s.db, `approver_id = ? AND status = ? ORDER BY opened_at ASC, id ASC`,
		approverID, string(api.ApprovalPending))
	if err != nil {
		return nil, err
	}
	return out, nil
}

//
// Events
//

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflow_events (instance_id, at, type, workflow_id, workflow_version, step, actor, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.WorkflowID,
		ev.WorkflowVersion,
		ev.Step,
		ev.Actor,
		ev.Detail,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT instance_id, at, type, workflow_id, workflow_version, step, actor, detail
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			ev  api.WorkflowEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.InstanceID, &atN, &typ, &ev.WorkflowID, &ev.WorkflowVersion, &ev.Step, &ev.Actor, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN).UTC()
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
