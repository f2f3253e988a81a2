package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"diveops/internal/domain"
)

// documentColumns selects a uniform row shape from either document table.
// HPT has no checklist so it yields NULL.
func documentColumns(kind domain.DocumentKind) (table, checklist string, err error) {
	switch kind {
	case domain.DocumentHPT:
		return "hpt", "NULL", nil
	case domain.DocumentAnexoBravo:
		return "anexo_bravo", "checklist_complete", nil
	}
	return "", "", fmt.Errorf("invalid document kind %q", kind)
}

func scanDocument(kind domain.DocumentKind, row scanner) (domain.ComplianceDocument, error) {
	d := domain.ComplianceDocument{Kind: kind}
	var state string
	var isSigned int
	var checklist sql.NullInt64
	var signedAt sql.NullString
	err := row.Scan(&d.ID, &d.OperationID, &state, &isSigned, &checklist, &d.CreatedAt, &d.UpdatedAt, &signedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.State = domain.DocumentState(state)
	d.IsSigned = isSigned == 1
	if checklist.Valid {
		c := checklist.Int64 == 1
		d.ChecklistComplete = &c
	}
	d.SignedAt = ptrFromNull(signedAt)
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.ComplianceDocument) error {
	switch d.Kind {
	case domain.DocumentHPT:
		_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO hpt(id,operation_id,state,is_signed,created_at,updated_at,signed_at) VALUES (?,?,?,?,?,?,?)`,
			d.ID, d.OperationID, string(d.State), boolInt(d.IsSigned), d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.SignedAt))
		return err
	case domain.DocumentAnexoBravo:
		checklist := d.ChecklistComplete != nil && *d.ChecklistComplete
		_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO anexo_bravo(id,operation_id,state,is_signed,checklist_complete,created_at,updated_at,signed_at) VALUES (?,?,?,?,?,?,?,?)`,
			d.ID, d.OperationID, string(d.State), boolInt(d.IsSigned), boolInt(checklist), d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.SignedAt))
		return err
	}
	return fmt.Errorf("invalid document kind %q", d.Kind)
}

func (r Repo) GetDocument(ctx context.Context, kind domain.DocumentKind, id string) (domain.ComplianceDocument, error) {
	table, checklist, err := documentColumns(kind)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	query := fmt.Sprintf(`SELECT id,operation_id,state,is_signed,%s,created_at,updated_at,signed_at FROM %s WHERE id=?`, checklist, table)
	return scanDocument(kind, r.DB.QueryRowContext(ctx, query, id))
}

// FindSignedDocument returns the newest document of kind for the operation that is
// both flagged signed and in the signed state.
func (r Repo) FindSignedDocument(ctx context.Context, kind domain.DocumentKind, operationID string) (domain.ComplianceDocument, error) {
	table, checklist, err := documentColumns(kind)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	query := fmt.Sprintf(`SELECT id,operation_id,state,is_signed,%s,created_at,updated_at,signed_at FROM %s
WHERE operation_id=? AND is_signed=1 AND state='signed' ORDER BY created_at DESC, id DESC LIMIT 1`, checklist, table)
	return scanDocument(kind, r.DB.QueryRowContext(ctx, query, operationID))
}

// FindLatestDocument returns the newest document of kind for the operation regardless of state.
func (r Repo) FindLatestDocument(ctx context.Context, kind domain.DocumentKind, operationID string) (domain.ComplianceDocument, error) {
	table, checklist, err := documentColumns(kind)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	query := fmt.Sprintf(`SELECT id,operation_id,state,is_signed,%s,created_at,updated_at,signed_at FROM %s
WHERE operation_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, checklist, table)
	return scanDocument(kind, r.DB.QueryRowContext(ctx, query, operationID))
}

// SignDocument moves an unsigned document to signed. Signed documents never revert,
// so an already signed row yields ErrConflict.
func (r Repo) SignDocument(ctx context.Context, tx *sql.Tx, kind domain.DocumentKind, id, now string) error {
	table, _, err := documentColumns(kind)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET state='signed', is_signed=1, signed_at=?, updated_at=? WHERE id=? AND is_signed=0`, table),
		now, now, id)
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

// SetDocumentState moves a draft forward to pending_signature. Signing goes through SignDocument.
func (r Repo) SetDocumentState(ctx context.Context, tx *sql.Tx, kind domain.DocumentKind, id string, state domain.DocumentState, now string) error {
	if state == domain.DocumentSigned {
		return r.SignDocument(ctx, tx, kind, id, now)
	}
	table, _, err := documentColumns(kind)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET state=?, updated_at=? WHERE id=? AND is_signed=0`, table),
		string(state), now, id)
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

func (r Repo) SetChecklistComplete(ctx context.Context, tx *sql.Tx, id string, complete bool, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE anexo_bravo SET checklist_complete=?, updated_at=? WHERE id=?`, boolInt(complete), now, id)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
