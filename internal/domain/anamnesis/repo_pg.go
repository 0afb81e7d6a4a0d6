package anamnesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/anamnesis/internal/platform/db"
	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

const (
	patientUniqueConstraint = "clinical_record_aggregate_patient_key"
	versionUniqueConstraint = "version_snapshot_version_key"
)

// PGStore implements Store on Postgres. Every method runs on the innermost
// querier of ctx: the active transaction, the clinic connection or the pool.
type PGStore struct {
	pool *pgxpool.Pool
	tx   *db.TxManager
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, tx: db.NewTxManager(pool)}
}

func (r *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *PGStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.tx.InTx(ctx, fn)
}

// -- Aggregate --

const aggregateCols = `id, patient_id, fields, payload, current_version_number, schema_version,
	created_by, created_at, updated_at, deleted_at`

func scanAggregate(row pgx.Row) (*Aggregate, error) {
	var (
		a               Aggregate
		fields, payload []byte
	)
	err := row.Scan(&a.ID, &a.PatientID, &fields, &payload, &a.CurrentVersionNumber, &a.SchemaVersion,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	if a.State, err = decodeState(fields, payload); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PGStore) GetCurrent(ctx context.Context, id uuid.UUID) (*Aggregate, error) {
	q := fmt.Sprintf("SELECT %s FROM clinical_record_aggregate WHERE id = $1", aggregateCols)
	a, err := scanAggregate(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr("clinical record", "get aggregate", err)
	}
	return a, nil
}

func (r *PGStore) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Aggregate, error) {
	q := fmt.Sprintf("SELECT %s FROM clinical_record_aggregate WHERE patient_id = $1", aggregateCols)
	a, err := scanAggregate(r.conn(ctx).QueryRow(ctx, q, patientID))
	if err != nil {
		return nil, notFoundOr("clinical record", "get aggregate by patient", err)
	}
	return a, nil
}

func (r *PGStore) Insert(ctx context.Context, a *Aggregate) error {
	fields, payload, err := encodeState(a.State)
	if err != nil {
		return internal("encode state", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_record_aggregate (`+aggregateCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PatientID, fields, payload, a.CurrentVersionNumber, a.SchemaVersion,
		a.CreatedBy, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	if db.IsUniqueViolation(err, patientUniqueConstraint) {
		return alreadyExists("patient already has a clinical record")
	}
	if err != nil {
		return internal("insert aggregate", err)
	}
	return nil
}

// Commit is a compare-and-swap on current_version_number. Only one of several
// transactions holding the same expected version can match the WHERE clause.
func (r *PGStore) Commit(ctx context.Context, id uuid.UUID, expected int, next RecordState, deletedAt *time.Time) (int, error) {
	fields, payload, err := encodeState(next)
	if err != nil {
		return 0, internal("encode state", err)
	}

	var version int
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_record_aggregate
		SET fields = $3, payload = $4,
		    current_version_number = current_version_number + 1,
		    schema_version = $5, deleted_at = $6, updated_at = $7
		WHERE id = $1 AND current_version_number = $2
		RETURNING current_version_number`,
		id, expected, fields, payload, SchemaVersion, deletedAt, time.Now().UTC(),
	).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, internal("commit aggregate", err)
	}

	var actual int
	err = r.conn(ctx).QueryRow(ctx,
		"SELECT current_version_number FROM clinical_record_aggregate WHERE id = $1", id,
	).Scan(&actual)
	if err != nil {
		return 0, notFoundOr("clinical record", "read version", err)
	}
	return 0, versionConflict(expected, actual)
}

// -- Snapshots --

const snapshotCols = `id, aggregate_id, version_number, fields, payload, schema_version, deleted,
	consultation_id, created_by, created_at, restored_from_version_id, restored_from_version_number,
	reason, change_summary, integrity_hash, ip, user_agent, session_id, request_path, client`

func scanSnapshot(row pgx.Row) (*VersionSnapshot, error) {
	var (
		s               VersionSnapshot
		fields, payload []byte
	)
	err := row.Scan(&s.ID, &s.AggregateID, &s.VersionNumber, &fields, &payload, &s.SchemaVersion, &s.Deleted,
		&s.ConsultationID, &s.CreatedBy, &s.CreatedAt, &s.RestoredFromVersionID, &s.RestoredFromVersionNumber,
		&s.Reason, &s.ChangeSummary, &s.IntegrityHash, &s.IP, &s.UserAgent, &s.SessionID, &s.RequestPath, &s.Client)
	if err != nil {
		return nil, err
	}
	if s.State, err = decodeState(fields, payload); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PGStore) InsertSnapshot(ctx context.Context, s *VersionSnapshot) error {
	fields, payload, err := encodeState(s.State)
	if err != nil {
		return internal("encode state", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO version_snapshot (`+snapshotCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		s.ID, s.AggregateID, s.VersionNumber, fields, payload, s.SchemaVersion, s.Deleted,
		s.ConsultationID, s.CreatedBy, s.CreatedAt, s.RestoredFromVersionID, s.RestoredFromVersionNumber,
		s.Reason, s.ChangeSummary, s.IntegrityHash, s.IP, s.UserAgent, s.SessionID, s.RequestPath, s.Client)
	if db.IsUniqueViolation(err, versionUniqueConstraint) {
		return versionConflict(s.VersionNumber-1, s.VersionNumber)
	}
	if err != nil {
		return internal("insert snapshot", err)
	}
	return nil
}

func (r *PGStore) GetSnapshot(ctx context.Context, aggregateID, id uuid.UUID) (*VersionSnapshot, error) {
	q := fmt.Sprintf("SELECT %s FROM version_snapshot WHERE aggregate_id = $1 AND id = $2", snapshotCols)
	s, err := scanSnapshot(r.conn(ctx).QueryRow(ctx, q, aggregateID, id))
	if err != nil {
		return nil, notFoundOr("version", "get snapshot", err)
	}
	return s, nil
}

func (r *PGStore) GetSnapshotByNumber(ctx context.Context, aggregateID uuid.UUID, version int) (*VersionSnapshot, error) {
	q := fmt.Sprintf("SELECT %s FROM version_snapshot WHERE aggregate_id = $1 AND version_number = $2", snapshotCols)
	s, err := scanSnapshot(r.conn(ctx).QueryRow(ctx, q, aggregateID, version))
	if err != nil {
		return nil, notFoundOr("version", "get snapshot by number", err)
	}
	return s, nil
}

func (r *PGStore) ListSnapshots(ctx context.Context, aggregateID uuid.UUID, vq VersionQuery) ([]*VersionSnapshot, int, error) {
	w := newWhere("aggregate_id = $1", aggregateID)
	w.dateRange("created_at", vq.DateFrom, vq.DateTo)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM version_snapshot WHERE "+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, internal("count snapshots", err)
	}

	q := fmt.Sprintf("SELECT %s FROM version_snapshot WHERE %s ORDER BY version_number DESC LIMIT %s OFFSET %s",
		snapshotCols, w.sql(), w.arg(vq.Limit), w.arg(vq.Offset))
	rows, err := r.conn(ctx).Query(ctx, q, w.args...)
	if err != nil {
		return nil, 0, internal("list snapshots", err)
	}
	defer rows.Close()

	var out []*VersionSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, internal("scan snapshot", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, internal("list snapshots", err)
	}
	return out, total, nil
}

func (r *PGStore) AllSnapshots(ctx context.Context, aggregateID uuid.UUID) ([]*VersionSnapshot, error) {
	q := fmt.Sprintf("SELECT %s FROM version_snapshot WHERE aggregate_id = $1 ORDER BY version_number", snapshotCols)
	rows, err := r.conn(ctx).Query(ctx, q, aggregateID)
	if err != nil {
		return nil, internal("list all snapshots", err)
	}
	defer rows.Close()

	var out []*VersionSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, internal("scan snapshot", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list all snapshots", err)
	}
	return out, nil
}

// -- Audit log --

const entryCols = `id, aggregate_id, patient_id, action, severity, actor_id, actor_email, actor_role,
	created_at, previous_version_number, new_version_number, changes_summary, summary, reason,
	integrity_hash, ip, user_agent, session_id, request_path, client`

func scanEntry(row pgx.Row) (*AuditLogEntry, error) {
	var (
		e       AuditLogEntry
		summary []byte
	)
	err := row.Scan(&e.ID, &e.AggregateID, &e.PatientID, &e.Action, &e.Severity, &e.ActorID, &e.ActorEmail, &e.ActorRole,
		&e.PerformedAt, &e.PreviousVersionNumber, &e.NewVersionNumber, &summary, &e.Summary, &e.Reason,
		&e.IntegrityHash, &e.IP, &e.UserAgent, &e.SessionID, &e.RequestPath, &e.Client)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &e.ChangesSummary); err != nil {
			return nil, fmt.Errorf("decode changes summary: %w", err)
		}
	}
	e.EntityType = EntityType
	e.EntityID = e.AggregateID.String()
	return &e, nil
}

// InsertEntry writes the entry, its diffs and its context index rows in one
// batch on the caller's transaction.
func (r *PGStore) InsertEntry(ctx context.Context, e *AuditLogEntry) error {
	summary, err := json.Marshal(e.ChangesSummary)
	if err != nil {
		return internal("encode changes summary", err)
	}

	b := &pgx.Batch{}
	b.Queue(`INSERT INTO audit_log_entry (`+entryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		e.ID, e.AggregateID, e.PatientID, e.Action, e.Severity, e.ActorID, e.ActorEmail, e.ActorRole,
		e.PerformedAt, e.PreviousVersionNumber, e.NewVersionNumber, summary, e.Summary, e.Reason,
		e.IntegrityHash, e.IP, e.UserAgent, e.SessionID, e.RequestPath, e.Client)

	for _, d := range e.FieldDiffs {
		oldRaw, err := jsonOrNull(d.OldValue)
		if err != nil {
			return internal("encode old value", err)
		}
		newRaw, err := jsonOrNull(d.NewValue)
		if err != nil {
			return internal("encode new value", err)
		}
		b.Queue(`INSERT INTO field_diff (id, audit_log_entry_id, position, field_path, field_label, field_type,
			old_value, new_value, old_value_display, new_value_display, is_critical, change_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			d.ID, e.ID, d.Position, d.FieldPath, d.FieldLabel, d.FieldType,
			oldRaw, newRaw, d.OldValueDisplay, d.NewValueDisplay, d.IsCritical, d.ChangeType)
	}

	for _, ref := range e.Contexts {
		b.Queue(`INSERT INTO audit_context_index (context_type, context_id, audit_log_entry_id, created_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			ref.Type, ref.ID, e.ID, e.PerformedAt)
	}

	br := r.conn(ctx).SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return internal("insert audit entry", err)
		}
	}
	if err := br.Close(); err != nil {
		return internal("insert audit entry", err)
	}
	return nil
}

func (r *PGStore) GetEntry(ctx context.Context, id uuid.UUID) (*AuditLogEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_log_entry WHERE id = $1", entryCols)
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr("audit log entry", "get audit entry", err)
	}

	if e.FieldDiffs, err = r.loadDiffs(ctx, e.ID); err != nil {
		return nil, err
	}
	if err := r.attachContexts(ctx, []*AuditLogEntry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *PGStore) loadDiffs(ctx context.Context, entryID uuid.UUID) ([]FieldDiff, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, position, field_path, field_label, field_type, old_value, new_value,
		       old_value_display, new_value_display, is_critical, change_type
		FROM field_diff WHERE audit_log_entry_id = $1 ORDER BY position`, entryID)
	if err != nil {
		return nil, internal("load field diffs", err)
	}
	defer rows.Close()

	var out []FieldDiff
	for rows.Next() {
		var (
			d              FieldDiff
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(&d.ID, &d.Position, &d.FieldPath, &d.FieldLabel, &d.FieldType, &oldRaw, &newRaw,
			&d.OldValueDisplay, &d.NewValueDisplay, &d.IsCritical, &d.ChangeType); err != nil {
			return nil, internal("scan field diff", err)
		}
		d.AuditLogEntryID = entryID
		d.OldValue = decodeValue(oldRaw)
		d.NewValue = decodeValue(newRaw)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("load field diffs", err)
	}
	return out, nil
}

func (r *PGStore) attachContexts(ctx context.Context, entries []*AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	byID := make(map[uuid.UUID]*AuditLogEntry, len(entries))
	for i, e := range entries {
		ids[i] = e.ID.String()
		byID[e.ID] = e
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT audit_log_entry_id, context_type, context_id FROM audit_context_index
		WHERE audit_log_entry_id = ANY($1::uuid[])
		ORDER BY context_type, context_id`, ids)
	if err != nil {
		return internal("load entry contexts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  uuid.UUID
			ref ContextRef
		)
		if err := rows.Scan(&id, &ref.Type, &ref.ID); err != nil {
			return internal("scan entry context", err)
		}
		if e, ok := byID[id]; ok {
			e.Contexts = append(e.Contexts, ref)
		}
	}
	if err := rows.Err(); err != nil {
		return internal("load entry contexts", err)
	}
	return nil
}

func (r *PGStore) ListEntries(ctx context.Context, aggregateID uuid.UUID, aq AuditQuery) ([]*AuditLogEntry, int, error) {
	w := newWhere("aggregate_id = $1", aggregateID)
	if aq.Action != nil {
		w.add("action = %s", *aq.Action)
	}
	if aq.Severity != nil {
		w.add("severity = %s", *aq.Severity)
	}
	w.dateRange("created_at", aq.DateFrom, aq.DateTo)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM audit_log_entry WHERE "+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, internal("count audit entries", err)
	}

	q := fmt.Sprintf("SELECT %s FROM audit_log_entry WHERE %s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s",
		entryCols, w.sql(), w.arg(aq.Limit), w.arg(aq.Offset))
	entries, err := r.queryEntries(ctx, q, w.args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *PGStore) ListByContext(ctx context.Context, ref ContextRef, limit int) ([]*AuditLogEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_log_entry
		WHERE id IN (SELECT audit_log_entry_id FROM audit_context_index WHERE context_type = $1 AND context_id = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`, entryCols)
	return r.queryEntries(ctx, q, ref.Type, ref.ID, limit)
}

func (r *PGStore) queryEntries(ctx context.Context, q string, args ...interface{}) ([]*AuditLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, internal("list audit entries", err)
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, internal("scan audit entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list audit entries", err)
	}
	rows.Close()

	if err := r.attachContexts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// -- Pending reviews --

func (r *PGStore) Enqueue(ctx context.Context, p *PendingReview) error {
	oldRaw, err := jsonOrNull(p.OldValue)
	if err != nil {
		return internal("encode old value", err)
	}
	newRaw, err := jsonOrNull(p.NewValue)
	if err != nil {
		return internal("encode new value", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO pending_review (id, aggregate_id, audit_log_entry_id, action, version_number,
			field_path, field_label, old_value, new_value, old_value_display, new_value_display,
			reason, severity, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.AggregateID, p.AuditLogEntryID, p.Action, p.VersionNumber,
		p.FieldPath, p.FieldLabel, oldRaw, newRaw, p.OldValueDisplay, p.NewValueDisplay,
		p.Reason, p.Severity, p.Status, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return internal("enqueue pending review", err)
	}
	return nil
}

func (r *PGStore) ListPending(ctx context.Context, aggregateID uuid.UUID) ([]*PendingReview, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, aggregate_id, audit_log_entry_id, action, version_number, field_path, field_label,
		       old_value, new_value, old_value_display, new_value_display, reason, severity, status,
		       created_by, created_at
		FROM pending_review WHERE aggregate_id = $1 AND status = $2
		ORDER BY created_at DESC`, aggregateID, ReviewPending)
	if err != nil {
		return nil, internal("list pending reviews", err)
	}
	defer rows.Close()

	var out []*PendingReview
	for rows.Next() {
		var (
			p              PendingReview
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(&p.ID, &p.AggregateID, &p.AuditLogEntryID, &p.Action, &p.VersionNumber,
			&p.FieldPath, &p.FieldLabel, &oldRaw, &newRaw, &p.OldValueDisplay, &p.NewValueDisplay,
			&p.Reason, &p.Severity, &p.Status, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, internal("scan pending review", err)
		}
		p.OldValue = decodeValue(oldRaw)
		p.NewValue = decodeValue(newRaw)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list pending reviews", err)
	}
	return out, nil
}

// -- General audit trail --

// AppendTrail runs in its own transaction scoped to the event's clinic; it is
// called from side channel workers that carry no request connection.
func (r *PGStore) AppendTrail(ctx context.Context, e sidechannel.Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode trail metadata: %w", err)
	}

	return r.tx.InClinicTx(ctx, e.ClinicID, func(ctx context.Context) error {
		conn := r.conn(ctx)
		tag, err := conn.Exec(ctx, `
			INSERT INTO audit_trail (id, entity_type, entity_id, action, severity, actor_id, actor_email,
				actor_role, summary, ip, user_agent, session_id, request_path, client, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.EntityType, e.EntityID, e.Action, e.Severity, e.ActorID, e.ActorEmail,
			e.ActorRole, e.Summary, e.Technical.IP, e.Technical.UserAgent, e.Technical.SessionID,
			e.Technical.RequestPath, e.Technical.Client.String(), meta, e.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert trail event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		for _, c := range e.Contexts {
			if _, err := conn.Exec(ctx, `
				INSERT INTO audit_trail_context (trail_id, context_type, context_id)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, e.ID, c.Type, c.ID); err != nil {
				return fmt.Errorf("insert trail context: %w", err)
			}
		}
		return nil
	})
}

// ListTrail runs on its own connection so it can be issued concurrently with
// queries on the request's connection.
func (r *PGStore) ListTrail(ctx context.Context, ref ContextRef, limit int) ([]sidechannel.Event, error) {
	var out []sidechannel.Event
	err := r.tx.InClinicTx(ctx, db.ClinicFromContext(ctx), func(ctx context.Context) error {
		var err error
		out, err = r.listTrail(ctx, ref, limit)
		return err
	})
	return out, err
}

func (r *PGStore) listTrail(ctx context.Context, ref ContextRef, limit int) ([]sidechannel.Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT t.id, t.entity_type, t.entity_id, t.action, t.severity, t.actor_id, t.actor_email,
		       t.actor_role, t.summary, t.ip, t.user_agent, t.session_id, t.request_path, t.metadata, t.occurred_at
		FROM audit_trail t
		JOIN audit_trail_context c ON c.trail_id = t.id
		WHERE c.context_type = $1 AND c.context_id = $2
		ORDER BY t.occurred_at DESC LIMIT $3`, ref.Type, ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trail: %w", err)
	}
	defer rows.Close()

	var (
		out []sidechannel.Event
		ids []string
	)
	for rows.Next() {
		var (
			e    sidechannel.Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Severity, &e.ActorID, &e.ActorEmail,
			&e.ActorRole, &e.Summary, &e.Technical.IP, &e.Technical.UserAgent, &e.Technical.SessionID,
			&e.Technical.RequestPath, &meta, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan trail event: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trail: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return out, nil
	}
	ctxRows, err := r.conn(ctx).Query(ctx, `
		SELECT trail_id, context_type, context_id FROM audit_trail_context
		WHERE trail_id = ANY($1) ORDER BY context_type, context_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("list trail contexts: %w", err)
	}
	defer ctxRows.Close()

	idx := make(map[string]int, len(out))
	for i, e := range out {
		idx[e.ID] = i
	}
	for ctxRows.Next() {
		var (
			id  string
			ref sidechannel.ContextRef
		)
		if err := ctxRows.Scan(&id, &ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan trail context: %w", err)
		}
		if i, ok := idx[id]; ok {
			out[i].Contexts = append(out[i].Contexts, ref)
		}
	}
	return out, ctxRows.Err()
}

// -- helpers --

func notFoundOr(what, op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what)
	}
	return internal(op, err)
}

func encodeState(s RecordState) ([]byte, []byte, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return nil, nil, err
	}
	payload := s.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return fields, raw, nil
}

func decodeState(fields, payload []byte) (RecordState, error) {
	var s RecordState
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &s.Fields); err != nil {
			return s, fmt.Errorf("decode fields: %w", err)
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return s, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(s.Payload) == 0 {
		s.Payload = nil
	}
	return s, nil
}

func jsonOrNull(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeValue(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// where accumulates numbered placeholders for dynamic filters.
type where struct {
	clauses []string
	args    []interface{}
}

func newWhere(first string, arg interface{}) *where {
	return &where{clauses: []string{first}, args: []interface{}{arg}}
}

// arg appends v and returns its placeholder.
func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(format string, v interface{}) {
	w.clauses = append(w.clauses, fmt.Sprintf(format, w.arg(v)))
}

func (w *where) dateRange(col string, from, to *time.Time) {
	if from != nil {
		w.add(col+" >= %s", *from)
	}
	if to != nil {
		w.add(col+" <= %s", *to)
	}
}

func (w *where) sql() string {
	return strings.Join(w.clauses, " AND ")
}
