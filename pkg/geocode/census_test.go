package geocode

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/resilience"
)

func TestGeocodeCensus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		matched bool
		errMsg  string
	}{
		{name: "match", status: http.StatusOK, body: censusMatchJSON, matched: true},
		{name: "no match", status: http.StatusOK, body: censusNoMatch},
		{name: "bad json", status: http.StatusOK, body: `{"result":`, errMsg: "parse response"},
		{name: "rate limited", status: http.StatusTooManyRequests, errMsg: "status 429"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGeocoder(newFakeProvider(t, tt.status, tt.body), nil)

			result, err := g.geocodeCensus(context.Background(), congress)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.matched, result.Matched)
			assert.Equal(t, ProviderCensus, result.Source)
			if tt.matched {
				assert.InDelta(t, 30.2672, result.Latitude, 1e-4)
				assert.InDelta(t, -97.7431, result.Longitude, 1e-4)
				assert.Equal(t, "rooftop", result.Quality)
			}
		})
	}
}

func TestGeocodeCensus_StatusClassification(t *testing.T) {
	g := newTestGeocoder(newFakeProvider(t, http.StatusTooManyRequests, ""), nil)
	_, err := g.geocodeCensus(context.Background(), congress)
	assert.True(t, resilience.IsTransient(err))

	g = newTestGeocoder(newFakeProvider(t, http.StatusBadRequest, ""), nil)
	_, err = g.geocodeCensus(context.Background(), congress)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestParseCensusBatchResponse(t *testing.T) {
	body := `"0","input addr","Match","Non_Exact","matched","-97.8781,30.5083","999","R"
"1","input addr","No_Match"
"7","unknown id","Match","Exact","matched","-97.0,30.0","1","L"
"2","input addr","Match","Exact","matched","not-coords","1","L"`

	results, err := parseCensusBatchResponse(body, map[string]int{"0": 0, "1": 1, "2": 2}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Matched)
	assert.Equal(t, "range", results[0].Quality)
	assert.InDelta(t, 30.5083, results[0].Latitude, 1e-4)
	assert.InDelta(t, -97.8781, results[0].Longitude, 1e-4)
	assert.False(t, results[1].Matched)
	assert.False(t, results[2].Matched, "unparseable coordinates are a miss")
}

func TestSplitCSVLine(t *testing.T) {
	fields := splitCSVLine(`"1","100 Congress Ave, Austin, TX","Match"`)
	assert.Equal(t, []string{`"1"`, `"100 Congress Ave, Austin, TX"`, `"Match"`}, fields)
}

func TestFormatOneLine(t *testing.T) {
	tests := []struct {
		addr AddressInput
		want string
	}{
		{congress, "100 Congress Ave, Austin, TX, 78701"},
		{AddressInput{Street: " 400 Mercer St ", City: "Dripping Springs", State: "TX"}, "400 Mercer St, Dripping Springs, TX"},
		{AddressInput{City: "Round Rock", State: "TX", ZipCode: "78664"}, "Round Rock, TX, 78664"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatOneLine(tt.addr))
	}
}
