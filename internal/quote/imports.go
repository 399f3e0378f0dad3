package quote

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/fetcher"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/ratebook"
)

// competitorBatch is the number of rows written per insert.
const competitorBatch = 500

// ImportRatebook replaces a tenant's ratebook with the contents of a YAML or
// XLSX seed file and drops the cached copy.
func (s *Service) ImportRatebook(ctx context.Context, tenantID, path string) (*model.RatebookData, error) {
	data, err := ratebook.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := ratebook.New(tenantID, *data); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceRatebook(ctx, tenantID, *data); err != nil {
		return nil, eris.Wrapf(err, "quote: replace ratebook for %s", tenantID)
	}
	s.ratebooks.Invalidate(tenantID)

	zap.L().Info("ratebook imported",
		zap.String("tenant_id", tenantID),
		zap.String("path", path),
		zap.Int("zones", len(data.Zones)),
		zap.Int("discount_rules", len(data.DiscountRules)),
		zap.Int("approval_rules", len(data.ApprovalRules)),
	)
	return data, nil
}

// ImportCompetitors loads observed competitor prices from CSV with the
// columns competitor, property_type, price and observed_at. Rows are written
// in batches as they stream in; rows that do not parse are skipped and
// logged. It returns the number of rows stored.
func (s *Service) ImportCompetitors(ctx context.Context, tenantID string, r io.Reader) (int64, error) {
	rowCh, errCh := fetcher.StreamSheet(ctx, r, fetcher.SheetOptions{
		Comment:  '#',
		Required: []string{"property_type", "price"},
	})

	var (
		stored  int64
		skipped int
		batch   = make([]model.CompetitorPrice, 0, competitorBatch)
		failed  error
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.store.InsertCompetitorPrices(ctx, tenantID, batch)
		if err != nil {
			return eris.Wrap(err, "quote: insert competitor prices")
		}
		stored += n
		batch = batch[:0]
		return nil
	}

	for row := range rowCh {
		if failed != nil {
			continue
		}
		cp, err := parseCompetitor(row.Record)
		if err != nil {
			skipped++
			zap.L().Warn("skipping competitor row", zap.Int("line", row.Line), zap.Error(err))
			continue
		}
		cp.TenantID = tenantID
		batch = append(batch, cp)
		if len(batch) == competitorBatch {
			failed = flush()
		}
	}
	if err := <-errCh; err != nil {
		return stored, eris.Wrap(err, "quote: read competitor csv")
	}
	if failed != nil {
		return stored, failed
	}
	if err := flush(); err != nil {
		return stored, err
	}

	zap.L().Info("competitor prices imported",
		zap.String("tenant_id", tenantID),
		zap.Int64("stored", stored),
		zap.Int("skipped", skipped),
	)
	return stored, nil
}

func parseCompetitor(rec fetcher.Record) (model.CompetitorPrice, error) {
	cp := model.CompetitorPrice{
		Competitor:   rec.Get("competitor"),
		PropertyType: rec.Get("property_type"),
	}
	if cp.PropertyType == "" {
		return cp, eris.New("missing property_type")
	}
	price, err := decimal.NewFromString(rec.Get("price"))
	if err != nil {
		return cp, eris.Wrapf(err, "bad price %q", rec.Get("price"))
	}
	if !price.IsPositive() {
		return cp, eris.Errorf("price %s is not positive", price)
	}
	cp.Price = price.InexactFloat64()

	observed, err := parseDate(rec.Get("observed_at"))
	if err != nil {
		return cp, err
	}
	cp.ObservedAt = observed
	return cp, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("bad observed_at %q", s)
}
