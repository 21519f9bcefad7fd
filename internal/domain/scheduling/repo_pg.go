package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinic/booking/internal/platform/db"
)

type appointmentRepoPG struct{ pool db.Pool }

func NewAppointmentRepoPG(pool db.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, type, start_time, end_time, status,
	created_by_patient, notes, cancellation_reason, cancelled_by, cancelled_at,
	version_id, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a           Appointment
		apptType    string
		status      string
		cancelledBy *string
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &apptType, &a.Start, &a.End, &status,
		&a.CreatedByPatient, &a.Notes, &a.CancellationReason, &cancelledBy, &a.CancelledAt,
		&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = AppointmentType(apptType)
	a.Status = AppointmentStatus(status)
	if cancelledBy != nil {
		by := CancelledBy(*cancelledBy)
		a.CancelledBy = &by
	}
	return &a, nil
}

func (r *appointmentRepoPG) scanAll(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, mapPGError(err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return items, nil
}

// WithDoctorLock serializes commits per doctor with a transaction-scoped
// advisory lock. The lock is released on commit or rollback.
func (r *appointmentRepoPG) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, doctorID.String()); err != nil {
			return mapPGError(err)
		}
		return fn(ctx)
	})
	return mapPGError(err)
}

func (r *appointmentRepoPG) Insert(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, type, start_time, end_time, status,
			created_by_patient, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING version_id, created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, string(a.Type), a.Start, a.End, string(a.Status),
		a.CreatedByPatient, a.Notes).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	return mapPGError(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err)
	}
	return a, nil
}

// whereClause renders q as SQL predicates starting at placeholder $idx.
func whereClause(q AppointmentQuery, idx int) (string, []interface{}) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(` WHERE 1=1`)
	if q.DoctorID != nil {
		sb.WriteString(fmt.Sprintf(` AND doctor_id = $%d`, idx))
		args = append(args, *q.DoctorID)
		idx++
	}
	if q.PatientID != nil {
		sb.WriteString(fmt.Sprintf(` AND patient_id = $%d`, idx))
		args = append(args, *q.PatientID)
		idx++
	}
	if !q.From.IsZero() {
		sb.WriteString(fmt.Sprintf(` AND start_time >= $%d`, idx))
		args = append(args, q.From)
		idx++
	}
	if !q.To.IsZero() {
		sb.WriteString(fmt.Sprintf(` AND start_time < $%d`, idx))
		args = append(args, q.To)
		idx++
	}
	if len(q.Statuses) > 0 {
		sb.WriteString(fmt.Sprintf(` AND status = ANY($%d)`, idx))
		args = append(args, statusStrings(q.Statuses))
		idx++
	}
	if len(q.ExcludeStatuses) > 0 {
		sb.WriteString(fmt.Sprintf(` AND NOT (status = ANY($%d))`, idx))
		args = append(args, statusStrings(q.ExcludeStatuses))
	}
	return sb.String(), args
}

func statusStrings(list []AppointmentStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func (r *appointmentRepoPG) FindAppointments(ctx context.Context, q AppointmentQuery) ([]*Appointment, error) {
	where, args := whereClause(q, 1)
	query := `SELECT ` + apptCols + ` FROM appointment` + where + ` ORDER BY start_time ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	return r.scanAll(rows)
}

// UpdateStatus is a compare-and-set on status. When no row matches it
// distinguishes a missing appointment from a concurrent change.
func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, expected AppointmentStatus, change StatusChange) (*Appointment, error) {
	var cancelledBy *string
	if change.CancelledBy != nil {
		s := string(*change.CancelledBy)
		cancelledBy = &s
	}
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status = $3,
			cancellation_reason = COALESCE($4, cancellation_reason),
			cancelled_by = COALESCE($5, cancelled_by),
			cancelled_at = COALESCE($6, cancelled_at),
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols,
		id, string(expected), string(change.Status), change.CancellationReason, cancelledBy, change.CancelledAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrStale(ctx, id)
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	return a, nil
}

// Update is a compare-and-set on version_id.
func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment, expectedVersion int) (*Appointment, error) {
	var cancelledBy *string
	if a.CancelledBy != nil {
		s := string(*a.CancelledBy)
		cancelledBy = &s
	}
	updated, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET doctor_id = $3, type = $4, start_time = $5, end_time = $6, status = $7,
			notes = $8, cancellation_reason = $9, cancelled_by = $10, cancelled_at = $11,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING `+apptCols,
		a.ID, expectedVersion, a.DoctorID, string(a.Type), a.Start, a.End, string(a.Status),
		a.Notes, a.CancellationReason, cancelledBy, a.CancelledAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrStale(ctx, a.ID)
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	return updated, nil
}

func (r *appointmentRepoPG) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointment WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapPGError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where, args := whereClause(f.query(), 1)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}
	n := len(args)
	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY start_time DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, mapPGError(err)
	}
	items, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) Count(ctx context.Context, q AppointmentQuery) (int, error) {
	where, args := whereClause(q, 1)
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&n); err != nil {
		return 0, mapPGError(err)
	}
	return n, nil
}

// Postgres error codes the engine translates.
const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
	pgLockNotAvailable   = "55P03"
	pgQueryCanceled      = "57014"
)

// mapPGError translates driver errors into engine errors. Engine errors and
// nil pass through unchanged.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation, pgUniqueViolation:
			return wrapError(ErrSlotConflict, err)
		case pgLockNotAvailable, pgQueryCanceled:
			return wrapError(ErrUnavailable, err)
		}
		return fmt.Errorf("appointment store: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return wrapError(ErrUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return wrapError(ErrUnavailable, err)
	}
	return fmt.Errorf("appointment store: %w", err)
}
