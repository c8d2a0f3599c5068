package scheduling

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedCapacityProvider(t *testing.T) {
	capacity, err := NewFixedCapacityProvider(4).Capacity()
	require.NoError(t, err)
	assert.Equal(t, 4, capacity)
}

func TestHTTPCapacityProvider_SimpleStrategy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"available_cores": 6}`))
	}))
	defer server.Close()

	capacity, err := NewHTTPCapacityProvider(server.URL, StrategyHTTPSimple).Capacity()
	require.NoError(t, err)
	assert.Equal(t, 6, capacity)
}

func TestHTTPCapacityProvider_LoadStrategy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cores": 8, "relative_load": 0.75}`))
	}))
	defer server.Close()

	capacity, err := NewHTTPCapacityProvider(server.URL, StrategyHTTPLoad).Capacity()
	require.NoError(t, err)
	assert.Equal(t, 2, capacity)
}

func TestHTTPCapacityProvider_NeverReportsLessThanOne(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cores": 8, "relative_load": 1.0}`))
	}))
	defer server.Close()

	capacity, err := NewHTTPCapacityProvider(server.URL, StrategyHTTPLoad).Capacity()
	require.NoError(t, err)
	assert.Equal(t, 1, capacity)
}

func TestHTTPCapacityProvider_CachesResponses(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		_, _ = w.Write([]byte(`{"available_cores": 3}`))
	}))
	defer server.Close()

	provider := NewHTTPCapacityProvider(server.URL, StrategyHTTPSimple)
	for i := 0; i < 5; i++ {
		capacity, err := provider.Capacity()
		require.NoError(t, err)
		assert.Equal(t, 3, capacity)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestHTTPCapacityProvider_FallsBackToLastKnownValue(t *testing.T) {
	var fail int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"available_cores": 5}`))
	}))
	defer server.Close()

	provider := NewHTTPCapacityProvider(server.URL, StrategyHTTPSimple)
	capacity, err := provider.Capacity()
	require.NoError(t, err)
	require.Equal(t, 5, capacity)

	atomic.StoreInt64(&fail, 1)
	provider.cache.Flush()

	capacity, err = provider.Capacity()
	assert.Error(t, err)
	assert.Equal(t, 5, capacity, "a flapping endpoint degrades to the last known value")
}

func TestHTTPCapacityProvider_UnreachableEndpointDefaultsToOne(t *testing.T) {
	provider := NewHTTPCapacityProvider("http://127.0.0.1:1/load", StrategyHTTPSimple)
	capacity, err := provider.Capacity()
	assert.Error(t, err)
	assert.Equal(t, 1, capacity)
}
