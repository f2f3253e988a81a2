package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diveops/internal/domain"
	"diveops/internal/repo"
	"diveops/internal/testutil"
)

const stamp = "2024-03-01T08:00:00Z"

func seedImmersion(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.InsertCompany(ctx, nil, domain.Company{ID: "co-1", Name: "Acme", Type: domain.CompanyContractor, CreatedAt: stamp}))
	_, err := r.DB.Exec(`INSERT INTO immersions(id,codigo,company_id,estado,estimated_end_time,created_at,updated_at)
VALUES ('im-1','IM-1','co-1','completada',?,?,?)`, stamp, stamp, stamp)
	require.NoError(t, err)
}

func TestInsertSupervisorLogDuplicateIsConflict(t *testing.T) {
	r := repo.Repo{DB: testutil.OpenDB(t)}
	seedImmersion(t, r)
	ctx := context.Background()

	require.NoError(t, r.InsertSupervisorLog(ctx, nil, domain.SupervisorLog{ID: "sl-1", InmersionID: "im-1", SupervisorID: "sup-1", CreatedAt: stamp}))
	err := r.InsertSupervisorLog(ctx, nil, domain.SupervisorLog{ID: "sl-2", InmersionID: "im-1", SupervisorID: "sup-1", CreatedAt: stamp})
	assert.True(t, errors.Is(err, repo.ErrConflict), "got %v", err)
}

func TestInsertDiverLogDuplicateIsConflict(t *testing.T) {
	r := repo.Repo{DB: testutil.OpenDB(t)}
	seedImmersion(t, r)
	ctx := context.Background()

	require.NoError(t, r.InsertDiverLog(ctx, nil, domain.DiverLog{ID: "dl-1", InmersionID: "im-1", UserID: "d-1", CreatedAt: stamp}))
	err := r.InsertDiverLog(ctx, nil, domain.DiverLog{ID: "dl-2", InmersionID: "im-1", UserID: "d-1", CreatedAt: stamp})
	assert.True(t, errors.Is(err, repo.ErrConflict), "got %v", err)

	require.NoError(t, r.InsertDiverLog(ctx, nil, domain.DiverLog{ID: "dl-3", InmersionID: "im-1", UserID: "d-2", CreatedAt: stamp}))
}

func TestInsertErrorsOtherThanDuplicatesPassThrough(t *testing.T) {
	r := repo.Repo{DB: testutil.OpenDB(t)}
	err := r.InsertDiverLog(context.Background(), nil, domain.DiverLog{ID: "dl-1", InmersionID: "missing", UserID: "d-1", CreatedAt: stamp})
	require.Error(t, err)
	assert.False(t, errors.Is(err, repo.ErrConflict))
}
