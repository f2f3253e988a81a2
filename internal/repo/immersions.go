package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"diveops/internal/domain"
)

const immersionColumns = `id,codigo,company_id,operacion_id,estado,estimated_end_time,actual_end_time,supervisor_id,
ns_supervisor_notified,ns_team_notified,ns_completion_checked,ns_auto_completed,ns_logbook_reminder_sent,created_at,updated_at`

// flagColumns maps notification flags to their immersion column.
var flagColumns = map[domain.NotificationFlag]string{
	domain.FlagSupervisorNotified:  "ns_supervisor_notified",
	domain.FlagTeamNotified:        "ns_team_notified",
	domain.FlagCompletionChecked:   "ns_completion_checked",
	domain.FlagAutoCompleted:       "ns_auto_completed",
	domain.FlagLogbookReminderSent: "ns_logbook_reminder_sent",
}

func scanImmersion(row scanner) (domain.Immersion, error) {
	var im domain.Immersion
	var estado string
	var operacionID, actualEnd, supervisorID sql.NullString
	var supNotified, teamNotified, completionChecked, autoCompleted, reminderSent int
	err := row.Scan(&im.ID, &im.Codigo, &im.CompanyID, &operacionID, &estado, &im.EstimatedEndTime, &actualEnd, &supervisorID,
		&supNotified, &teamNotified, &completionChecked, &autoCompleted, &reminderSent, &im.CreatedAt, &im.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return im, ErrNotFound
	}
	if err != nil {
		return im, err
	}
	im.Estado = domain.ImmersionState(estado)
	im.OperacionID = ptrFromNull(operacionID)
	im.ActualEndTime = ptrFromNull(actualEnd)
	im.SupervisorID = ptrFromNull(supervisorID)
	im.NotificationStatus = domain.NotificationStatus{
		SupervisorNotified:  supNotified == 1,
		TeamNotified:        teamNotified == 1,
		CompletionChecked:   completionChecked == 1,
		AutoCompleted:       autoCompleted == 1,
		LogbookReminderSent: reminderSent == 1,
	}
	return im, nil
}

func (r Repo) queryImmersions(ctx context.Context, q dbtx, where string, args ...any) ([]domain.Immersion, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+immersionColumns+` FROM immersions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Immersion
	for rows.Next() {
		im, err := scanImmersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, im)
	}
	return res, rows.Err()
}

func (r Repo) InsertImmersion(ctx context.Context, tx *sql.Tx, im domain.Immersion) error {
	ns := im.NotificationStatus
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO immersions(`+immersionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		im.ID, im.Codigo, im.CompanyID, nullableStringPtr(im.OperacionID), string(im.Estado), im.EstimatedEndTime,
		nullableStringPtr(im.ActualEndTime), nullableStringPtr(im.SupervisorID),
		boolInt(ns.SupervisorNotified), boolInt(ns.TeamNotified), boolInt(ns.CompletionChecked), boolInt(ns.AutoCompleted), boolInt(ns.LogbookReminderSent),
		im.CreatedAt, im.UpdatedAt)
	return err
}

func (r Repo) GetImmersion(ctx context.Context, id string) (domain.Immersion, error) {
	return scanImmersion(r.DB.QueryRowContext(ctx, `SELECT `+immersionColumns+` FROM immersions WHERE id=?`, id))
}

func (r Repo) GetImmersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Immersion, error) {
	return scanImmersion(tx.QueryRowContext(ctx, `SELECT `+immersionColumns+` FROM immersions WHERE id=?`, id))
}

func (r Repo) GetImmersionByCodigo(ctx context.Context, codigo string) (domain.Immersion, error) {
	return scanImmersion(r.DB.QueryRowContext(ctx, `SELECT `+immersionColumns+` FROM immersions WHERE codigo=?`, codigo))
}

type ImmersionFilters struct {
	CompanyID   string
	OperacionID string
	Estado      string
	Limit       int
}

func (r Repo) ListImmersions(ctx context.Context, f ImmersionFilters) ([]domain.Immersion, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.OperacionID != "" {
		clauses = append(clauses, "operacion_id=?")
		args = append(args, f.OperacionID)
	}
	if f.Estado != "" {
		clauses = append(clauses, "estado=?")
		args = append(args, f.Estado)
	}
	where := "WHERE " + strings.Join(clauses, " AND ") + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryImmersions(ctx, r.DB, where, args...)
}

// TransitionImmersion moves an immersion to `to` only if it is currently in one of `from`.
// It reports ErrConflict when the row was not in an expected state.
func (r Repo) TransitionImmersion(ctx context.Context, tx *sql.Tx, id string, from []domain.ImmersionState, to domain.ImmersionState, now string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source state")
	}
	placeholders := make([]string, len(from))
	args := []any{string(to), now, id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`UPDATE immersions SET estado=?, updated_at=? WHERE id=? AND estado IN (%s)`, strings.Join(placeholders, ","))
	res, err := r.conn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// CompleteImmersion closes an in-progress immersion by hand.
func (r Repo) CompleteImmersion(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE immersions SET estado='completada', actual_end_time=?, ns_completion_checked=1, updated_at=?
WHERE id=? AND estado='en_progreso' AND actual_end_time IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// ListOverdueImmersions selects in-progress immersions whose estimated window closed before now.
func (r Repo) ListOverdueImmersions(ctx context.Context, now string) ([]domain.Immersion, error) {
	return r.queryImmersions(ctx, r.DB, `WHERE estado='en_progreso' AND estimated_end_time < ? AND actual_end_time IS NULL ORDER BY estimated_end_time, id`, now)
}

// AutoCompleteImmersion repeats the overdue predicate so a concurrent run that
// already closed the row matches nothing. Returns false when no row changed.
func (r Repo) AutoCompleteImmersion(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE immersions SET estado='completada', actual_end_time=?, ns_auto_completed=1, ns_completion_checked=1, updated_at=?
WHERE id=? AND estado='en_progreso' AND estimated_end_time < ? AND actual_end_time IS NULL`, now, now, id, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ListStaleLogbookCandidates selects completed immersions that ended before cutoff,
// have a supervisor, and were never reminded.
func (r Repo) ListStaleLogbookCandidates(ctx context.Context, cutoff string) ([]domain.Immersion, error) {
	return r.queryImmersions(ctx, r.DB, `WHERE estado='completada' AND actual_end_time IS NOT NULL AND actual_end_time < ?
AND supervisor_id IS NOT NULL AND ns_logbook_reminder_sent=0 ORDER BY actual_end_time, id`, cutoff)
}

// MarkLogbookReminderSent claims the reminder flag under the stale-logbook predicate.
func (r Repo) MarkLogbookReminderSent(ctx context.Context, tx *sql.Tx, id, cutoff, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE immersions SET ns_logbook_reminder_sent=1, updated_at=?
WHERE id=? AND estado='completada' AND actual_end_time IS NOT NULL AND actual_end_time < ?
AND supervisor_id IS NOT NULL AND ns_logbook_reminder_sent=0`, now, id, cutoff)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ListPendingTeamCascades selects completed immersions whose supervisor log exists
// but whose team was never told.
func (r Repo) ListPendingTeamCascades(ctx context.Context) ([]domain.Immersion, error) {
	return r.queryImmersions(ctx, r.DB, `WHERE estado='completada' AND ns_team_notified=0
AND EXISTS (SELECT 1 FROM bitacora_supervisor b WHERE b.inmersion_id=immersions.id) ORDER BY updated_at, id`)
}

// ClaimTeamNotified sets team_notified under the cascade predicate.
func (r Repo) ClaimTeamNotified(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE immersions SET ns_team_notified=1, updated_at=?
WHERE id=? AND estado='completada' AND ns_team_notified=0
AND EXISTS (SELECT 1 FROM bitacora_supervisor b WHERE b.inmersion_id=immersions.id)`, now, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimFlag sets a notification flag that is still false. Returns false when it
// was already set.
func (r Repo) ClaimFlag(ctx context.Context, tx *sql.Tx, id string, flag domain.NotificationFlag, now string) (bool, error) {
	col, ok := flagColumns[flag]
	if !ok {
		return false, fmt.Errorf("unknown notification flag %q", flag)
	}
	res, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE immersions SET %s=1, updated_at=? WHERE id=? AND %s=0`, col, col), now, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// --- team ---

func (r Repo) InsertTeamMember(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO immersion_team(inmersion_id,user_id,role) VALUES (?,?,?)
ON CONFLICT(inmersion_id,user_id) DO UPDATE SET role=excluded.role`, m.InmersionID, m.UserID, m.Role)
	return err
}

func (r Repo) ListTeam(ctx context.Context, tx *sql.Tx, inmersionID string) ([]domain.TeamMember, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT inmersion_id,user_id,role FROM immersion_team WHERE inmersion_id=? ORDER BY role, user_id`, inmersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.InmersionID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- logbooks ---

// InsertSupervisorLog reports ErrConflict when the immersion already has one.
func (r Repo) InsertSupervisorLog(ctx context.Context, tx *sql.Tx, l domain.SupervisorLog) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO bitacora_supervisor(id,inmersion_id,supervisor_id,summary,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.InmersionID, l.SupervisorID, nullable(l.Summary), l.CreatedAt)
	return insertErr(err)
}

// HasSupervisorLog reports whether a supervisor log exists for the immersion.
func (r Repo) HasSupervisorLog(ctx context.Context, tx *sql.Tx, inmersionID string) (bool, error) {
	var n int
	if err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM bitacora_supervisor WHERE inmersion_id=?`, inmersionID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetSupervisorLog(ctx context.Context, inmersionID string) (domain.SupervisorLog, error) {
	var l domain.SupervisorLog
	var summary sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,inmersion_id,supervisor_id,summary,created_at FROM bitacora_supervisor WHERE inmersion_id=?`, inmersionID).
		Scan(&l.ID, &l.InmersionID, &l.SupervisorID, &summary, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	l.Summary = summary.String
	return l, err
}

// InsertDiverLog reports ErrConflict when the diver already filed.
func (r Repo) InsertDiverLog(ctx context.Context, tx *sql.Tx, l domain.DiverLog) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO bitacora_buzo(id,inmersion_id,user_id,summary,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.InmersionID, l.UserID, nullable(l.Summary), l.CreatedAt)
	return insertErr(err)
}

func (r Repo) ListDiverLogs(ctx context.Context, inmersionID string) ([]domain.DiverLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,inmersion_id,user_id,summary,created_at FROM bitacora_buzo WHERE inmersion_id=? ORDER BY created_at, id`, inmersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DiverLog
	for rows.Next() {
		var l domain.DiverLog
		var summary sql.NullString
		if err := rows.Scan(&l.ID, &l.InmersionID, &l.UserID, &summary, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Summary = summary.String
		res = append(res, l)
	}
	return res, rows.Err()
}
