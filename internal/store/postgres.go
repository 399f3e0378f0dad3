package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/fencepro/scheduling-core/internal/db"
	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/resilience"
)

// PostgresStore implements Store using pgxpool and PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"lock_cluster":       `SELECT job_count, max_jobs, status FROM job_clusters WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
	"next_job_order":     `SELECT COALESCE(MAX(schedule_order), 0) + 1 FROM cluster_jobs WHERE cluster_id = $1`,
	"delete_route_cache": `DELETE FROM route_cache WHERE cluster_id = $1`,
	"get_quote":          `SELECT ` + quoteColumns + ` FROM quote_history WHERE tenant_id = $1 AND id = $2`,
	"get_cluster":        `SELECT ` + clusterColumns + ` FROM job_clusters WHERE tenant_id = $1 AND id = $2`,
	"lock_approval":      `SELECT ` + approvalColumns + ` FROM pricing_approvals WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: resilience.DefaultRetryConfig()}, nil
}

// SetRetry replaces the retry policy used for transactions that can lose a
// serialization race.
func (s *PostgresStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Ratebook ---

func (s *PostgresStore) LoadRatebook(ctx context.Context, tenantID string) (*model.RatebookData, error) {
	data := &model.RatebookData{}
	for _, t := range ratebookTables {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY position`, quoteAndJoin(t.selectColumns()), t.name),
			tenantID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: load %s", t.name)
		}
		err = t.scanInto(rows, data)
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// ReplaceRatebook swaps the tenant's reference data in one transaction.
func (s *PostgresStore) ReplaceRatebook(ctx context.Context, tenantID string, data model.RatebookData) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range ratebookTables {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1`, t.name), tenantID); err != nil {
				return eris.Wrapf(err, "postgres: clear %s", t.name)
			}
			_, err := db.UpsertTx(ctx, tx, db.UpsertConfig{
				Table:        t.name,
				Columns:      t.insertColumns(),
				ConflictKeys: []string{"tenant_id", t.key},
			}, t.rows(tenantID, data))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Quotes ---

func (s *PostgresStore) CreateQuote(ctx context.Context, q *model.QuoteRecord) error {
	prepareQuote(q)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quote_history (`+quoteColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		         $21, $22, $23, $24, $25, $26, $27, $28)`,
		q.ID, q.TenantID, string(q.Status), q.PropertyType, q.Perimeter, q.ZoneName, q.Street, q.City, q.State, q.PostalCode,
		q.Lat, q.Lon, q.PreferredDate, q.DateStart, q.DateEnd, q.FlexibleScheduling, q.JobMinutes,
		q.OriginalPrice, q.FinalPrice, q.DiscountAmount, q.DiscountPercentage,
		nullJSON(q.Breakdown), nullJSON(q.SelectedOption), q.ClusterID, q.CustomerID, q.RequestedBy, q.CreatedAt, q.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert quote %s", q.ID)
}

func (s *PostgresStore) GetQuote(ctx context.Context, tenantID, id string) (*model.QuoteRecord, error) {
	q, err := scanPgQuote(s.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+` FROM quote_history WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get quote %s", id)
	}
	return q, nil
}

// UpdateQuoteStatus moves a pending quote to status. customerID is recorded
// when non-empty.
func (s *PostgresStore) UpdateQuoteStatus(ctx context.Context, tenantID, id string, status model.QuoteStatus, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_history
		 SET status = $1, customer_id = CASE WHEN $2::text = '' THEN customer_id ELSE $2::text END, updated_at = $3
		 WHERE tenant_id = $4 AND id = $5 AND status = 'pending'`,
		string(status), customerID, time.Now().UTC(), tenantID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update quote status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM quote_history WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get quote status %s", id)
	}
	return eris.Wrapf(model.ErrQuoteClosed, "quote %s is %s", id, current)
}

func (s *PostgresStore) ExpireQuotes(ctx context.Context, tenantID string, createdBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_history SET status = 'expired', updated_at = now()
		 WHERE status = 'pending' AND created_at < $1 AND ($2::text = '' OR tenant_id = $2::text)`,
		createdBefore, tenantID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire quotes")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SimilarQuotePrices(ctx context.Context, tenantID string, q SimilarQuery) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT final_price FROM quote_history
		 WHERE tenant_id = $1 AND lower(property_type) = lower($2) AND perimeter_feet BETWEEN $3 AND $4
		   AND id <> $5 AND status <> 'expired'
		 ORDER BY created_at DESC LIMIT $6`,
		tenantID, q.PropertyType, q.MinPerimeter, q.MaxPerimeter, q.ExcludeID, listLimit(q.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: similar quotes")
	}
	defer rows.Close()
	return collectFloats(rows, "postgres: similar quotes")
}

// ListUnscheduledQuotes returns open quotes that could share a route in
// window: flexible ones, those preferring a day in it, and those whose date
// range overlaps it.
func (s *PostgresStore) ListUnscheduledQuotes(ctx context.Context, tenantID string, window model.DateRange) ([]model.QuoteRecord, error) {
	return s.queryQuotes(ctx, "postgres: list unscheduled quotes",
		`SELECT `+quoteColumns+` FROM quote_history
		 WHERE tenant_id = $1 AND status = 'pending' AND cluster_id = ''
		   AND lat IS NOT NULL AND lon IS NOT NULL
		   AND (flexible_scheduling
		     OR preferred_date BETWEEN $2 AND $3
		     OR (date_start <= $3 AND date_end >= $2))
		 ORDER BY created_at LIMIT 500`,
		tenantID, model.TruncateDay(window.Start), model.TruncateDay(window.End),
	)
}

// ListUnlocatedQuotes returns pending quotes that carry an address but no
// coordinates, oldest first. An empty tenantID covers all tenants.
func (s *PostgresStore) ListUnlocatedQuotes(ctx context.Context, tenantID string, limit int) ([]model.QuoteRecord, error) {
	return s.queryQuotes(ctx, "postgres: list unlocated quotes",
		`SELECT `+quoteColumns+` FROM quote_history
		 WHERE status = 'pending' AND ($1::text = '' OR tenant_id = $1::text)
		   AND (lat IS NULL OR lon IS NULL)
		   AND (street <> '' OR city <> '' OR postal_code <> '')
		 ORDER BY created_at LIMIT $2`,
		tenantID, listLimit(limit),
	)
}

func (s *PostgresStore) SetQuoteLocation(ctx context.Context, tenantID, id string, lat, lon float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_history SET lat = $1, lon = $2, updated_at = now() WHERE tenant_id = $3 AND id = $4`,
		lat, lon, tenantID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set quote location %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	return nil
}

func (s *PostgresStore) queryQuotes(ctx context.Context, op, query string, args ...any) ([]model.QuoteRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close()

	var out []model.QuoteRecord
	for rows.Next() {
		q, err := scanPgQuote(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quote")
		}
		out = append(out, *q)
	}
	return out, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Competitor pricing ---

func (s *PostgresStore) InsertCompetitorPrices(ctx context.Context, tenantID string, prices []model.CompetitorPrice) (int64, error) {
	return db.CopyFrom(ctx, s.pool, "competitor_pricing", competitorColumnNames, competitorRows(tenantID, prices))
}

func (s *PostgresStore) CompetitorPrices(ctx context.Context, tenantID, propertyType string, since time.Time) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price FROM competitor_pricing
		 WHERE tenant_id = $1 AND lower(property_type) = lower($2) AND observed_at >= $3`,
		tenantID, propertyType, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: competitor prices")
	}
	defer rows.Close()
	return collectFloats(rows, "postgres: competitor prices")
}

// --- Clusters ---

// CreateCluster inserts c and, when first is non-nil, its first job.
func (s *PostgresStore) CreateCluster(ctx context.Context, c *model.JobCluster, first *model.ClusterJob) error {
	if err := prepareCluster(c, first); err != nil {
		return err
	}
	center, err := geo.EncodePoint(geo.Point{Lat: c.CenterLat, Lon: c.CenterLon})
	if err != nil {
		return err
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO job_clusters (id, tenant_id, service_date, technician_id, center_lat, center_lon, center,
			   radius_miles, job_count, max_jobs, status, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, ST_GeomFromEWKB($7), $8, $9, $10, $11, $12, $13, $14)`,
			c.ID, c.TenantID, c.ServiceDate, c.TechnicianID, c.CenterLat, c.CenterLon, center,
			c.RadiusMiles, c.JobCount, c.MaxJobs, string(c.Status), c.Version, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert cluster %s", c.ID)
		}
		if first == nil {
			return nil
		}
		return pgInsertClusterJob(ctx, tx, c.TenantID, first)
	})
}

func (s *PostgresStore) GetCluster(ctx context.Context, tenantID, id string) (*model.JobCluster, error) {
	c, err := scanPgCluster(s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM job_clusters WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "cluster %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cluster %s", id)
	}
	return c, nil
}

// ListOpenClusters returns active clusters with a free slot whose service
// date falls in [q.From, q.To]. With a center, PostGIS prefilters by radius.
func (s *PostgresStore) ListOpenClusters(ctx context.Context, tenantID string, q ClusterQuery) ([]model.JobCluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM job_clusters
		WHERE tenant_id = $1 AND status = 'active' AND job_count < max_jobs
		  AND service_date BETWEEN $2 AND $3`
	args := []any{tenantID, model.TruncateDay(q.From), model.TruncateDay(q.To)}
	if q.Center != nil && q.RadiusMiles > 0 {
		query += ` AND ST_DWithin(center::geography, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography, $6)`
		args = append(args, q.Center.Lon, q.Center.Lat, geo.MilesToMeters(q.RadiusMiles))
	}
	query += ` ORDER BY service_date, created_at`
	return s.queryClusters(ctx, query, args...)
}

func (s *PostgresStore) ListClusters(ctx context.Context, tenantID string, f ClusterFilter) ([]model.JobCluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM job_clusters WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.From != nil {
		query += fmt.Sprintf(` AND service_date >= $%d`, argIdx)
		args = append(args, model.TruncateDay(*f.From))
		argIdx++
	}
	if f.To != nil {
		query += fmt.Sprintf(` AND service_date <= $%d`, argIdx)
		args = append(args, model.TruncateDay(*f.To))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY service_date, created_at LIMIT $%d`, argIdx)
	args = append(args, listLimit(f.Limit))
	return s.queryClusters(ctx, query, args...)
}

func (s *PostgresStore) queryClusters(ctx context.Context, query string, args ...any) ([]model.JobCluster, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clusters")
	}
	defer rows.Close()

	var out []model.JobCluster
	for rows.Next() {
		c, err := scanPgCluster(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list clusters iterate")
}

func (s *PostgresStore) ClusterJobs(ctx context.Context, tenantID, clusterID string) ([]model.ClusterJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterJobColumns+` FROM cluster_jobs WHERE tenant_id = $1 AND cluster_id = $2 ORDER BY schedule_order`,
		tenantID, clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cluster jobs %s", clusterID)
	}
	defer rows.Close()

	var out []model.ClusterJob
	for rows.Next() {
		var j model.ClusterJob
		if err := rows.Scan(&j.ID, &j.ClusterID, &j.QuoteID, &j.Lat, &j.Lon, &j.DistanceFromCenter,
			&j.ScheduleOrder, &j.DurationMinutes, &j.AddedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster job")
		}
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: cluster jobs iterate")
}

// AddJobToCluster locks the cluster row, checks capacity, appends the job
// and bumps the cluster version in one transaction. A full cluster yields
// *model.CapacityConflictError. Serialization failures are retried.
func (s *PostgresStore) AddJobToCluster(ctx context.Context, tenantID, clusterID string, job *model.ClusterJob) (*model.JobCluster, error) {
	cfg := resilience.SerializationRetry(s.retry, "add_job_to_cluster")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.JobCluster, error) {
		var out *model.JobCluster
		err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			var jobCount, maxJobs int
			var status string
			err := tx.QueryRow(ctx,
				`SELECT job_count, max_jobs, status FROM job_clusters WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
				tenantID, clusterID,
			).Scan(&jobCount, &maxJobs, &status)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: lock cluster %s", clusterID)
			}
			if model.ClusterStatus(status) != model.ClusterActive {
				return eris.Wrapf(model.ErrClusterClosed, "cluster %s is %s", clusterID, status)
			}
			if jobCount >= maxJobs {
				return &model.CapacityConflictError{ClusterID: clusterID, MaxJobs: maxJobs}
			}

			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(schedule_order), 0) + 1 FROM cluster_jobs WHERE cluster_id = $1`, clusterID,
			).Scan(&job.ScheduleOrder); err != nil {
				return eris.Wrapf(err, "postgres: next job order %s", clusterID)
			}
			job.ClusterID = clusterID
			if err := pgInsertClusterJob(ctx, tx, tenantID, job); err != nil {
				return err
			}

			out, err = pgBumpCluster(ctx, tx, clusterID, 1)
			return err
		})
		return out, err
	})
}

// RemoveJobFromCluster deletes a membership, frees the slot and unlinks the
// quote in one transaction.
func (s *PostgresStore) RemoveJobFromCluster(ctx context.Context, tenantID, clusterID, jobID string) (*model.JobCluster, error) {
	cfg := resilience.SerializationRetry(s.retry, "remove_job_from_cluster")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.JobCluster, error) {
		var out *model.JobCluster
		err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			var jobCount, maxJobs int
			var status string
			err := tx.QueryRow(ctx,
				`SELECT job_count, max_jobs, status FROM job_clusters WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
				tenantID, clusterID,
			).Scan(&jobCount, &maxJobs, &status)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: lock cluster %s", clusterID)
			}
			if model.ClusterStatus(status) == model.ClusterArchived {
				return eris.Wrapf(model.ErrClusterClosed, "cluster %s is archived", clusterID)
			}

			var quoteID string
			err = tx.QueryRow(ctx,
				`DELETE FROM cluster_jobs WHERE tenant_id = $1 AND cluster_id = $2 AND id = $3 RETURNING quote_id`,
				tenantID, clusterID, jobID,
			).Scan(&quoteID)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "job %s in cluster %s", jobID, clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: delete cluster job %s", jobID)
			}
			if quoteID != "" {
				if _, err := tx.Exec(ctx,
					`UPDATE quote_history SET cluster_id = '', updated_at = now() WHERE tenant_id = $1 AND id = $2`,
					tenantID, quoteID,
				); err != nil {
					return eris.Wrapf(err, "postgres: unlink quote %s", quoteID)
				}
			}

			out, err = pgBumpCluster(ctx, tx, clusterID, -1)
			return err
		})
		return out, err
	})
}

func (s *PostgresStore) ArchiveClusters(ctx context.Context, tenantID string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_clusters SET status = 'archived', version = version + 1, updated_at = now()
		 WHERE status <> 'archived' AND service_date < $1 AND ($2::text = '' OR tenant_id = $2::text)`,
		model.TruncateDay(before), tenantID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: archive clusters")
	}
	return int(tag.RowsAffected()), nil
}

// pgInsertClusterJob links the job's quote, then stores the job. The link
// only takes a pending quote that is on no cluster, so a quote can never
// land on two routes.
func pgInsertClusterJob(ctx context.Context, tx pgx.Tx, tenantID string, j *model.ClusterJob) error {
	prepareClusterJob(j)
	if j.QuoteID != "" {
		if err := pgLinkQuote(ctx, tx, tenantID, j.QuoteID, j.ClusterID, j.AddedAt); err != nil {
			return err
		}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO cluster_jobs (id, tenant_id, cluster_id, quote_id, lat, lon, distance_from_center,
		   schedule_order, duration_minutes, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, tenantID, j.ClusterID, j.QuoteID, j.Lat, j.Lon, j.DistanceFromCenter,
		j.ScheduleOrder, j.DurationMinutes, j.AddedAt,
	)
	return eris.Wrapf(err, "postgres: insert cluster job %s", j.ID)
}

func pgLinkQuote(ctx context.Context, tx pgx.Tx, tenantID, quoteID, clusterID string, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE quote_history SET cluster_id = $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4 AND status = 'pending' AND cluster_id = ''`,
		clusterID, at, tenantID, quoteID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link quote %s", quoteID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status, current string
	err = tx.QueryRow(ctx,
		`SELECT status, cluster_id FROM quote_history WHERE tenant_id = $1 AND id = $2`, tenantID, quoteID,
	).Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "quote %s", quoteID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read quote %s", quoteID)
	}
	return linkRefusal(quoteID, model.QuoteStatus(status), current)
}

// pgBumpCluster adjusts job_count by delta, bumps the version and drops the
// cached route of the old version.
func pgBumpCluster(ctx context.Context, tx pgx.Tx, clusterID string, delta int) (*model.JobCluster, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM route_cache WHERE cluster_id = $1`, clusterID); err != nil {
		return nil, eris.Wrapf(err, "postgres: invalidate route %s", clusterID)
	}
	c, err := scanPgCluster(tx.QueryRow(ctx,
		`UPDATE job_clusters SET job_count = job_count + $1, version = version + 1, updated_at = $2
		 WHERE id = $3 RETURNING `+clusterColumns,
		delta, time.Now().UTC(), clusterID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update cluster %s", clusterID)
	}
	return c, nil
}

// SetScheduleOrder renumbers the cluster's jobs in route order under the
// cluster row lock. A membership change since the route was planned makes
// it a no-op.
func (s *PostgresStore) SetScheduleOrder(ctx context.Context, tenantID, clusterID string, version int, jobIDs []string) (bool, error) {
	var applied bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var current int
		err := tx.QueryRow(ctx,
			`SELECT version FROM job_clusters WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, clusterID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock cluster %s", clusterID)
		}
		if current != version {
			return nil
		}

		// Negate first so renumbering never trips UNIQUE (cluster_id, schedule_order).
		if _, err := tx.Exec(ctx,
			`UPDATE cluster_jobs SET schedule_order = -schedule_order WHERE cluster_id = $1`, clusterID,
		); err != nil {
			return eris.Wrapf(err, "postgres: park job order %s", clusterID)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE cluster_jobs j SET schedule_order = r.ord
			 FROM unnest($2::text[]) WITH ORDINALITY AS r(id, ord)
			 WHERE j.cluster_id = $1 AND j.id = r.id`,
			clusterID, jobIDs,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: set job order %s", clusterID)
		}
		var unplaced int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM cluster_jobs WHERE cluster_id = $1 AND schedule_order < 1`, clusterID,
		).Scan(&unplaced); err != nil {
			return eris.Wrapf(err, "postgres: check job order %s", clusterID)
		}
		if unplaced > 0 || int(tag.RowsAffected()) != len(jobIDs) || len(jobIDs) != countDistinct(jobIDs) {
			return model.NewValidationError("job_ids", "must list every job in the cluster exactly once")
		}
		applied = true
		return nil
	})
	return applied, err
}

// --- Route cache ---

func (s *PostgresStore) GetCachedRoute(ctx context.Context, tenantID, clusterID string, version int) (*model.Route, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT route FROM route_cache WHERE tenant_id = $1 AND cluster_id = $2 AND version = $3`,
		tenantID, clusterID, version,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cached route %s", clusterID)
	}
	return decodeRoute(raw)
}

func (s *PostgresStore) PutCachedRoute(ctx context.Context, tenantID string, route *model.Route) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal route")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO route_cache (cluster_id, tenant_id, version, route, computed_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cluster_id) DO UPDATE SET version = EXCLUDED.version, route = EXCLUDED.route, computed_at = EXCLUDED.computed_at
		 WHERE route_cache.version <= EXCLUDED.version`,
		route.ClusterID, tenantID, route.Version, raw, route.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: put cached route %s", route.ClusterID)
}

// --- Approvals ---

// OpenApproval locks out concurrent openers with the partial unique index
// on pending approvals: the loser of a race hits a unique violation and is
// retried, and on retry it finds the winner's approval and returns it.
func (s *PostgresStore) OpenApproval(ctx context.Context, a *model.PricingApproval, alerts []model.PricingAlert) (*model.PricingApproval, bool, error) {
	prepareApproval(a)
	triggers, err := json.Marshal(a.Triggers)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal triggers")
	}

	type opened struct {
		approval *model.PricingApproval
		created  bool
	}
	cfg := resilience.SerializationRetry(s.retry, "open_approval")
	cfg.ShouldRetry = func(err error) bool {
		return resilience.IsSerializationFailure(err) || isUniqueViolation(err)
	}
	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (opened, error) {
		var out opened
		err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			latest, err := scanPgApproval(tx.QueryRow(ctx,
				`SELECT `+approvalColumns+` FROM pricing_approvals
				 WHERE tenant_id = $1 AND quote_id = $2 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`,
				a.TenantID, a.QuoteID,
			))
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return eris.Wrapf(err, "postgres: latest approval for quote %s", a.QuoteID)
			default:
				action, err := classifyLatest(latest, a.CreatedAt)
				if err != nil {
					return err
				}
				switch action {
				case reuseLatest:
					if latest.Steps, err = pgApprovalSteps(ctx, tx, latest.ID); err != nil {
						return err
					}
					out.approval = latest
					return nil
				case expireLatest:
					if err := pgExpireApproval(ctx, tx, latest.ID, a.CreatedAt); err != nil {
						return err
					}
				}
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO pricing_approvals (`+approvalColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				a.ID, a.TenantID, a.QuoteID, a.OriginalPrice.InexactFloat64(), a.RequestedPrice.InexactFloat64(),
				a.DiscountPercentage, triggers, string(a.RequiredLevel), string(a.Status), a.CurrentStep,
				a.RequestedBy, a.FinalDecision, a.Version, a.ExpiresAt, a.CreatedAt, a.UpdatedAt,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert approval %s", a.ID)
			}
			for _, st := range a.Steps {
				if _, err := tx.Exec(ctx,
					`INSERT INTO approval_steps (id, tenant_id, approval_id, step_order, level, status, approver_id, comments, decided_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					st.ID, a.TenantID, a.ID, st.Order, string(st.Level), string(st.Status), st.ApproverID, st.Comments, st.DecidedAt,
				); err != nil {
					return eris.Wrapf(err, "postgres: insert approval step %s", st.ID)
				}
			}
			approvalAlerts(a, alerts)
			if _, err := db.CopyFrom(ctx, tx, "pricing_alerts", alertColumnNames, alertRows(alerts)); err != nil {
				return err
			}
			out = opened{approval: a, created: true}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.approval, res.created, nil
}

func pgExpireApproval(ctx context.Context, tx pgx.Tx, id string, now time.Time) error {
	if _, err := tx.Exec(ctx,
		`UPDATE approval_steps SET status = 'skipped' WHERE approval_id = $1 AND status = 'pending'`, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: skip steps of %s", id)
	}
	_, err := tx.Exec(ctx,
		`UPDATE pricing_approvals SET status = 'expired', final_decision = 'expired', version = version + 1, updated_at = $1
		 WHERE id = $2`,
		now, id,
	)
	return eris.Wrapf(err, "postgres: expire approval %s", id)
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) GetApproval(ctx context.Context, tenantID, id string) (*model.PricingApproval, error) {
	a, err := scanPgApproval(s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM pricing_approvals WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get approval %s", id)
	}
	if a.Steps, err = pgApprovalSteps(ctx, s.pool, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, tenantID string, f ApprovalFilter) ([]model.PricingApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM pricing_approvals WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.QuoteID != "" {
		args = append(args, f.QuoteID)
		query += fmt.Sprintf(` AND quote_id = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, listLimit(f.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list approvals")
	}
	var out []model.PricingApproval
	for rows.Next() {
		a, err := scanPgApproval(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan approval")
		}
		out = append(out, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list approvals iterate")
	}

	for i := range out {
		if out[i].Steps, err = pgApprovalSteps(ctx, s.pool, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateApproval locks the approval row, passes it to fn and persists the
// result with a bumped version. Nothing is written when fn returns an error.
// A rejection also closes the quote.
func (s *PostgresStore) UpdateApproval(ctx context.Context, tenantID, id string, fn func(a *model.PricingApproval) error) (*model.PricingApproval, error) {
	cfg := resilience.SerializationRetry(s.retry, "update_approval")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.PricingApproval, error) {
		var out *model.PricingApproval
		err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			a, err := scanPgApproval(tx.QueryRow(ctx,
				`SELECT `+approvalColumns+` FROM pricing_approvals WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
				tenantID, id,
			))
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "approval %s", id)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: lock approval %s", id)
			}
			if a.Steps, err = pgApprovalSteps(ctx, tx, id); err != nil {
				return err
			}

			wasPending := a.Status == model.ApprovalPending
			if err := fn(a); err != nil {
				return err
			}

			a.Version++
			a.UpdatedAt = time.Now().UTC()
			if _, err := tx.Exec(ctx,
				`UPDATE pricing_approvals SET status = $1, current_step = $2, final_decision = $3, version = $4, updated_at = $5
				 WHERE id = $6`,
				string(a.Status), a.CurrentStep, a.FinalDecision, a.Version, a.UpdatedAt, a.ID,
			); err != nil {
				return eris.Wrapf(err, "postgres: update approval %s", id)
			}
			for _, st := range a.Steps {
				if _, err := tx.Exec(ctx,
					`UPDATE approval_steps SET status = $1, approver_id = $2, comments = $3, decided_at = $4 WHERE id = $5`,
					string(st.Status), st.ApproverID, st.Comments, st.DecidedAt, st.ID,
				); err != nil {
					return eris.Wrapf(err, "postgres: update approval step %s", st.ID)
				}
			}
			if wasPending && a.Status == model.ApprovalRejected {
				if _, err := tx.Exec(ctx,
					`UPDATE quote_history SET status = 'rejected', updated_at = $1
					 WHERE tenant_id = $2 AND id = $3 AND status = 'pending'`,
					a.UpdatedAt, tenantID, a.QuoteID,
				); err != nil {
					return eris.Wrapf(err, "postgres: reject quote %s", a.QuoteID)
				}
			}
			out = a
			return nil
		})
		return out, err
	})
}

// ExpireApprovals marks pending approvals past their deadline as expired and
// skips their open steps.
func (s *PostgresStore) ExpireApprovals(ctx context.Context, tenantID string, now time.Time) (int, error) {
	var n int
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE approval_steps SET status = 'skipped'
			 WHERE status = 'pending' AND approval_id IN (
			   SELECT id FROM pricing_approvals
			   WHERE status = 'pending' AND expires_at <= $1 AND ($2::text = '' OR tenant_id = $2::text))`,
			now, tenantID,
		); err != nil {
			return eris.Wrap(err, "postgres: skip expired steps")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE pricing_approvals SET status = 'expired', final_decision = 'expired', version = version + 1, updated_at = $1
			 WHERE status = 'pending' AND expires_at <= $1 AND ($2::text = '' OR tenant_id = $2::text)`,
			now, tenantID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: expire approvals")
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgApprovalSteps(ctx context.Context, q pgQuerier, approvalID string) ([]model.ApprovalStep, error) {
	rows, err := q.Query(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE approval_id = $1 ORDER BY step_order`, approvalID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: approval steps %s", approvalID)
	}
	defer rows.Close()

	var steps []model.ApprovalStep
	for rows.Next() {
		var st model.ApprovalStep
		var level, status string
		if err := rows.Scan(&st.ID, &st.ApprovalID, &st.Order, &level, &status, &st.ApproverID, &st.Comments, &st.DecidedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan approval step")
		}
		st.Level, st.Status = model.ApprovalLevel(level), model.StepStatus(status)
		steps = append(steps, st)
	}
	return steps, eris.Wrap(rows.Err(), "postgres: approval steps iterate")
}

// --- Alerts ---

func (s *PostgresStore) InsertAlerts(ctx context.Context, alerts []model.PricingAlert) error {
	_, err := db.CopyFrom(ctx, s.pool, "pricing_alerts", alertColumnNames, alertRows(alerts))
	return err
}

func (s *PostgresStore) ListAlerts(ctx context.Context, tenantID string, f AlertFilter) ([]model.PricingAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM pricing_alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2
	if f.QuoteID != "" {
		query += fmt.Sprintf(` AND quote_id = $%d`, argIdx)
		args = append(args, f.QuoteID)
		argIdx++
	}
	if f.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(f.Kind))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(f.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	defer rows.Close()

	var out []model.PricingAlert
	for rows.Next() {
		var al model.PricingAlert
		var kind, severity string
		if err := rows.Scan(&al.ID, &al.TenantID, &al.QuoteID, &al.ApprovalID, &kind, &al.RuleName, &severity,
			&al.Message, &al.Observed, &al.Reference, &al.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		al.Kind, al.Severity = model.AlertKind(kind), model.AlertSeverity(severity)
		out = append(out, al)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list alerts iterate")
}

// --- scanning ---

func scanPgQuote(row pgx.Row) (*model.QuoteRecord, error) {
	var q model.QuoteRecord
	var status string
	var breakdown, option []byte
	err := row.Scan(&q.ID, &q.TenantID, &status, &q.PropertyType, &q.Perimeter, &q.ZoneName,
		&q.Street, &q.City, &q.State, &q.PostalCode, &q.Lat, &q.Lon, &q.PreferredDate, &q.DateStart, &q.DateEnd,
		&q.FlexibleScheduling, &q.JobMinutes, &q.OriginalPrice, &q.FinalPrice, &q.DiscountAmount,
		&q.DiscountPercentage, &breakdown, &option, &q.ClusterID, &q.CustomerID, &q.RequestedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Status = model.QuoteStatus(status)
	q.Breakdown, q.SelectedOption = breakdown, option
	return &q, nil
}

func scanPgCluster(row pgx.Row) (*model.JobCluster, error) {
	var c model.JobCluster
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.ServiceDate, &c.TechnicianID, &c.CenterLat, &c.CenterLon,
		&c.RadiusMiles, &c.JobCount, &c.MaxJobs, &status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ClusterStatus(status)
	return &c, nil
}

func scanPgApproval(row pgx.Row) (*model.PricingApproval, error) {
	var a model.PricingApproval
	var original, requested float64
	var triggers []byte
	var level, status string
	err := row.Scan(&a.ID, &a.TenantID, &a.QuoteID, &original, &requested, &a.DiscountPercentage, &triggers,
		&level, &status, &a.CurrentStep, &a.RequestedBy, &a.FinalDecision, &a.Version, &a.ExpiresAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.OriginalPrice = decimal.NewFromFloat(original).Round(2)
	a.RequestedPrice = decimal.NewFromFloat(requested).Round(2)
	a.RequiredLevel, a.Status = model.ApprovalLevel(level), model.ApprovalStatus(status)
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &a.Triggers); err != nil {
			return nil, eris.Wrap(err, "unmarshal triggers")
		}
	}
	return &a, nil
}

func quoteAndJoin(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += pgx.Identifier{c}.Sanitize()
	}
	return out
}
