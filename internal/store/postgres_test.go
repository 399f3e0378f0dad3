package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, retry: resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}}
	return s, mock
}

var clusterColumnNames = []string{"id", "tenant_id", "service_date", "technician_id", "center_lat", "center_lon",
	"radius_miles", "job_count", "max_jobs", "status", "version", "created_at", "updated_at"}

func TestPostgresStore_GetQuote_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM quote_history WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("tenant-a", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetQuote(context.Background(), "tenant-a", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedRoute_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT route FROM route_cache`).
		WithArgs("tenant-a", "c1", 3).
		WillReturnError(pgx.ErrNoRows)

	route, err := s.GetCachedRoute(context.Background(), "tenant-a", "c1", 3)
	require.NoError(t, err)
	assert.Nil(t, route)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateQuoteStatus_Closed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE quote_history`).
		WithArgs("accepted", "cust-1", pgxmock.AnyArg(), "tenant-a", "q1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM quote_history`).
		WithArgs("tenant-a", "q1").
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow("rejected"))

	err := s.UpdateQuoteStatus(context.Background(), "tenant-a", "q1", model.QuoteStatusAccepted, "cust-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrQuoteClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddJobToCluster_Full(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_count, max_jobs, status FROM job_clusters .* FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"job_count", "max_jobs", "status"}).AddRow(4, 4, "active"))
	mock.ExpectRollback()

	_, err := s.AddJobToCluster(context.Background(), "tenant-a", "c1", &model.ClusterJob{QuoteID: "q1"})
	require.Error(t, err)

	var conflict *model.CapacityConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "c1", conflict.ClusterID)
	assert.Equal(t, 4, conflict.MaxJobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddJobToCluster_Archived(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"job_count", "max_jobs", "status"}).AddRow(1, 4, "archived"))
	mock.ExpectRollback()

	_, err := s.AddJobToCluster(context.Background(), "tenant-a", "c1", &model.ClusterJob{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrClusterClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddJobToCluster_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	day := model.TruncateDay(now)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"job_count", "max_jobs", "status"}).AddRow(1, 4, "active"))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(schedule_order\), 0\) \+ 1 FROM cluster_jobs`).
		WithArgs("c1").
		WillReturnRows(mock.NewRows([]string{"next"}).AddRow(2))
	mock.ExpectExec(`UPDATE quote_history SET cluster_id`).
		WithArgs("c1", pgxmock.AnyArg(), "tenant-a", "q1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO cluster_jobs`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM route_cache`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`UPDATE job_clusters SET job_count = job_count \+ \$1`).
		WithArgs(1, pgxmock.AnyArg(), "c1").
		WillReturnRows(mock.NewRows(clusterColumnNames).
			AddRow("c1", "tenant-a", day, "", 30.27, -97.74, 15.0, 2, 4, "active", 3, now, now))
	mock.ExpectCommit()

	job := &model.ClusterJob{QuoteID: "q1", Lat: 30.28, Lon: -97.75, DurationMinutes: 240}
	c, err := s.AddJobToCluster(context.Background(), "tenant-a", "c1", job)
	require.NoError(t, err)
	assert.Equal(t, 2, c.JobCount)
	assert.Equal(t, 3, c.Version)
	assert.Equal(t, 2, job.ScheduleOrder)
	assert.Equal(t, "c1", job.ClusterID)
	assert.NotEmpty(t, job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddJobToCluster_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"job_count", "max_jobs", "status"}).AddRow(2, 2, "active"))
	mock.ExpectRollback()

	_, err := s.AddJobToCluster(context.Background(), "tenant-a", "c1", &model.ClusterJob{})
	var conflict *model.CapacityConflictError
	require.True(t, errors.As(err, &conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateApproval_FnErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM pricing_approvals WHERE tenant_id = \$1 AND id = \$2 FOR UPDATE`).
		WithArgs("tenant-a", "a1").
		WillReturnRows(mock.NewRows(approvalColumnNames).
			AddRow("a1", "tenant-a", "q1", 12000.0, 10800.0, 10.0, []byte(`[]`), "director", "approved", 2, "rep",
				"approved", 4, now.Add(time.Hour), now, now))
	mock.ExpectQuery(`FROM approval_steps WHERE approval_id = \$1`).
		WithArgs("a1").
		WillReturnRows(mock.NewRows(stepColumnNames))
	mock.ExpectRollback()

	sentinel := errors.New("already decided")
	_, err := s.UpdateApproval(context.Background(), "tenant-a", "a1", func(a *model.PricingApproval) error {
		assert.Equal(t, model.ApprovalApproved, a.Status)
		assert.Equal(t, "12000", a.OriginalPrice.String())
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var (
	approvalColumnNames = []string{"id", "tenant_id", "quote_id", "original_price", "requested_price",
		"discount_percentage", "triggers", "required_level", "status", "current_step", "requested_by",
		"final_decision", "version", "expires_at", "created_at", "updated_at"}
	stepColumnNames = []string{"id", "approval_id", "step_order", "level", "status", "approver_id", "comments", "decided_at"}
)

func TestPostgresStore_OpenApproval_LosingInsertReusesWinner(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY created_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("tenant-a", "q1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO pricing_approvals`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY created_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("tenant-a", "q1").
		WillReturnRows(mock.NewRows(approvalColumnNames).
			AddRow("winner", "tenant-a", "q1", 12000.0, 10800.0, 10.0, []byte(`[]`), "director", "pending", 0, "rep",
				"", 1, now.Add(time.Hour), now.Add(-time.Second), now.Add(-time.Second)))
	mock.ExpectQuery(`FROM approval_steps WHERE approval_id = \$1`).
		WithArgs("winner").
		WillReturnRows(mock.NewRows(stepColumnNames).
			AddRow("s1", "winner", 1, "manager", "pending", "", "", nil).
			AddRow("s2", "winner", 2, "director", "pending", "", "", nil))
	mock.ExpectCommit()

	a := newApproval("q1", now.Add(time.Hour))
	a.CreatedAt = now
	got, created, err := s.OpenApproval(context.Background(), a, []model.PricingAlert{
		{Kind: model.AlertRuleFired, Severity: model.SeverityWarning, Message: "amount over 10000"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", got.ID)
	assert.Len(t, got.Steps, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenApproval_WritesAlertsInSameTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY created_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("tenant-a", "q1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO pricing_approvals`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO approval_steps`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO approval_steps`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"pricing_alerts"}, alertColumnNames).
		WillReturnError(errors.New("copy interrupted"))
	mock.ExpectRollback()

	a := newApproval("q1", time.Now().Add(time.Hour))
	_, _, err := s.OpenApproval(context.Background(), a, []model.PricingAlert{
		{Kind: model.AlertRuleFired, Severity: model.SeverityWarning, Message: "amount over 10000"},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenApproval_RejectedIsRefused(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY created_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("tenant-a", "q1").
		WillReturnRows(mock.NewRows(approvalColumnNames).
			AddRow("a0", "tenant-a", "q1", 12000.0, 10800.0, 10.0, []byte(`[]`), "director", "rejected", 0, "rep",
				"rejected", 2, now.Add(time.Hour), now.Add(-time.Hour), now))
	mock.ExpectRollback()

	_, _, err := s.OpenApproval(context.Background(), newApproval("q1", now.Add(time.Hour)), nil)
	var stateErr *model.WorkflowStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "a0", stateErr.ApprovalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddJobToCluster_QuoteOnAnotherCluster(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"job_count", "max_jobs", "status"}).AddRow(1, 4, "active"))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(schedule_order\), 0\) \+ 1 FROM cluster_jobs`).
		WithArgs("c1").
		WillReturnRows(mock.NewRows([]string{"next"}).AddRow(2))
	mock.ExpectExec(`UPDATE quote_history SET cluster_id .* AND cluster_id = ''`).
		WithArgs("c1", pgxmock.AnyArg(), "tenant-a", "q1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status, cluster_id FROM quote_history`).
		WithArgs("tenant-a", "q1").
		WillReturnRows(mock.NewRows([]string{"status", "cluster_id"}).AddRow("pending", "c9"))
	mock.ExpectRollback()

	_, err := s.AddJobToCluster(context.Background(), "tenant-a", "c1", &model.ClusterJob{QuoteID: "q1"})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cluster_id", verr.Fields[0].Field)
	assert.Contains(t, verr.Fields[0].Message, "c9")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetScheduleOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ids := []string{"j2", "j1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM job_clusters .* FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectExec(`SET schedule_order = -schedule_order`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`WITH ORDINALITY`).
		WithArgs("c1", ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery(`schedule_order < 1`).
		WithArgs("c1").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	applied, err := s.SetScheduleOrder(context.Background(), "tenant-a", "c1", 3, ids)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetScheduleOrder_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM job_clusters .* FOR UPDATE`).
		WithArgs("tenant-a", "c1").
		WillReturnRows(mock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectCommit()

	applied, err := s.SetScheduleOrder(context.Background(), "tenant-a", "c1", 3, []string{"j1"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireQuotes_AllTenants(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`UPDATE quote_history SET status = 'expired'`).
		WithArgs(cutoff, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 7))

	n, err := s.ExpireQuotes(context.Background(), "", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCompetitorPrices_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"competitor_pricing"}, competitorColumnNames).WillReturnResult(2)

	n, err := s.InsertCompetitorPrices(context.Background(), "tenant-a", []model.CompetitorPrice{
		{Competitor: "Acme", PropertyType: "Standard Residential", Price: 3100},
		{Competitor: "Borders", PropertyType: "Standard Residential", Price: 2900},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"position", "name"`, quoteAndJoin([]string{"position", "name"}))
}
