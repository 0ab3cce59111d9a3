package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.TokensIssued.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.TokensIssued))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.TokensIssued))
}

func TestTouchAndDropSpawner(t *testing.T) {
	m := New()
	dim := Dimension{"spawner": "1", "region": "eu"}

	m.TouchSpawner(dim, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SpawnerLoad.With(map[string]string(dim))))

	m.DropSpawner(dim)
	assert.Equal(t, 0, testutil.CollectAndCount(m.SpawnerLoad))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RoomsRegistered.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexus_rooms_registered 2")
}
