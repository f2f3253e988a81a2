package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"diveops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update matched no row: the row was
	// already moved by someone else or never matched the predicate.
	ErrConflict = errors.New("conflict")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// insertErr maps a UNIQUE or PRIMARY KEY violation to ErrConflict.
func insertErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%w: %s", ErrConflict, se.Error())
	}
	return err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- companies ---

func scanCompany(row scanner) (domain.Company, error) {
	var c domain.Company
	var typ string
	err := row.Scan(&c.ID, &c.Name, &typ, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.Type = domain.CompanyType(typ)
	return c, err
}

func (r Repo) InsertCompany(ctx context.Context, tx *sql.Tx, c domain.Company) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO companies(id,name,type,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, string(c.Type), c.CreatedAt)
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	return scanCompany(r.DB.QueryRowContext(ctx, `SELECT id,name,type,created_at FROM companies WHERE id=?`, id))
}

func (r Repo) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,created_at FROM companies ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- personnel ---

func (r Repo) InsertPersonnel(ctx context.Context, tx *sql.Tx, p domain.Personnel) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO personnel(id,company_id,name,role,created_at) VALUES (?,?,?,?,?)`,
		p.ID, nullable(p.CompanyID), p.Name, p.Role, p.CreatedAt)
	return err
}

func (r Repo) GetPersonnel(ctx context.Context, id string) (domain.Personnel, error) {
	var p domain.Personnel
	var companyID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,company_id,name,role,created_at FROM personnel WHERE id=?`, id).
		Scan(&p.ID, &companyID, &p.Name, &p.Role, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.CompanyID = companyID.String
	return p, err
}

// --- modules ---

func (r Repo) SetModule(ctx context.Context, tx *sql.Tx, m domain.ModuleActivation) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO module_activations(company_id,module_name,active,updated_at) VALUES (?,?,?,?)
ON CONFLICT(company_id,module_name) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at`,
		m.CompanyID, m.ModuleName, boolInt(m.Active), m.UpdatedAt)
	return err
}

// ListActiveModules returns the names of modules switched on for a company.
func (r Repo) ListActiveModules(ctx context.Context, companyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT module_name FROM module_activations WHERE company_id=? AND active=1 ORDER BY module_name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (r Repo) ListModules(ctx context.Context, companyID string) ([]domain.ModuleActivation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT company_id,module_name,active,updated_at FROM module_activations WHERE company_id=? ORDER BY module_name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ModuleActivation
	for rows.Next() {
		var m domain.ModuleActivation
		var active int
		if err := rows.Scan(&m.CompanyID, &m.ModuleName, &active, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Active = active == 1
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- operations ---

func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO operations(id,company_id,codigo,name,created_at) VALUES (?,?,?,?,?)`,
		op.ID, op.CompanyID, op.Codigo, op.Name, op.CreatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	var op domain.Operation
	err := r.DB.QueryRowContext(ctx, `SELECT id,company_id,codigo,name,created_at FROM operations WHERE id=?`, id).
		Scan(&op.ID, &op.CompanyID, &op.Codigo, &op.Name, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return op, ErrNotFound
	}
	return op, err
}

func (r Repo) ListOperations(ctx context.Context, companyID string) ([]domain.Operation, error) {
	clauses := []string{"1=1"}
	var args []any
	if companyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, companyID)
	}
	query := fmt.Sprintf(`SELECT id,company_id,codigo,name,created_at FROM operations WHERE %s ORDER BY created_at DESC, id`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		var op domain.Operation
		if err := rows.Scan(&op.ID, &op.CompanyID, &op.Codigo, &op.Name, &op.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}
