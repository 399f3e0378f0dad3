package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertTx_EmptyRows(t *testing.T) {
	n, err := UpsertTx(context.TODO(), nil, UpsertConfig{
		Table:        "pricing_zones",
		Columns:      []string{"tenant_id", "name"},
		ConflictKeys: []string{"tenant_id", "name"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsertTx_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		msg  string
	}{
		{"no columns", UpsertConfig{Table: "pricing_zones", ConflictKeys: []string{"name"}}, "no columns specified"},
		{"no conflict keys", UpsertConfig{Table: "pricing_zones", Columns: []string{"tenant_id", "name"}}, "no conflict keys specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UpsertTx(context.TODO(), nil, tt.cfg, [][]any{{"t1", "Austin"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestUpsertTx_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_terrain_modifiers"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_terrain_modifiers"}, []string{"tenant_id", "name", "difficulty_multiplier"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("tenant_id", "name"\) DO UPDATE SET "difficulty_multiplier" = EXCLUDED."difficulty_multiplier"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	var n int64
	err = WithTx(context.Background(), mock, func(tx pgx.Tx) error {
		var err error
		n, err = UpsertTx(context.Background(), tx, UpsertConfig{
			Table:        "terrain_modifiers",
			Columns:      []string{"tenant_id", "name", "difficulty_multiplier"},
			ConflictKeys: []string{"tenant_id", "name"},
		}, [][]any{{"t1", "flat", 1.0}, {"t1", "rocky", 1.3}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateColumns(t *testing.T) {
	cfg := UpsertConfig{Columns: []string{"tenant_id", "name", "fee"}, ConflictKeys: []string{"tenant_id", "name"}}
	assert.Equal(t, []string{"fee"}, cfg.updateColumns())

	cfg.UpdateCols = []string{"name"}
	assert.Equal(t, []string{"name"}, cfg.updateColumns())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"pricing_zones", `"pricing_zones"`},
		{"public.pricing_zones", `"public"."pricing_zones"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
