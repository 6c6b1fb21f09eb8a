package recco

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu    sync.Mutex
	feats map[string]Features
}

func newMemoryCache() *memoryCache {
	return &memoryCache{feats: map[string]Features{}}
}

func (m *memoryCache) Features(_ context.Context, ids []string) (map[string]Features, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]Features{}
	for _, id := range ids {
		if f, ok := m.feats[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

func (m *memoryCache) StoreFeatures(_ context.Context, feats map[string]Features) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range feats {
		m.feats[id] = f
	}
	return nil
}

func newTestClient(t *testing.T, cache FeatureCache, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, cache, 2)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTrackDetails(t *testing.T) {
	t.Run("keys results by spotify id", func(t *testing.T) {
		client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/track", r.URL.Path)
			require.Equal(t, "s1,s2", r.URL.Query().Get("ids"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(contentResponse{Content: []TrackDetail{
				{ID: "r1", Href: "https://open.spotify.com/track/s1", Popularity: 42},
			}})
		})

		out, err := client.TrackDetails(context.Background(), []string{"s1", "s2"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, TrackID("r1"), out["s1"].ID)
		assert.Equal(t, 42, out["s1"].Popularity)
	})

	t.Run("rejects oversized batches", func(t *testing.T) {
		client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		})
		_, err := client.TrackDetails(context.Background(), make([]string, DetailBatchLimit+1))
		require.ErrorContains(t, err, "batch limit")
	})

	t.Run("surfaces api errors", func(t *testing.T) {
		client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"status": 400, "error": "malformed ids"})
		})
		_, err := client.TrackDetails(context.Background(), []string{"s1"})
		require.ErrorContains(t, err, "malformed ids")

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 400, apiErr.StatusCode)
	})
}

func TestTrackFeatures(t *testing.T) {
	cache := newMemoryCache()
	cache.feats["r1"] = Features{Energy: 0.11}

	var mu sync.Mutex
	var fetchedPaths []string
	client := newTestClient(t, cache, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetchedPaths = append(fetchedPaths, r.URL.Path)
		mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/track/r2/"):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(Features{Energy: 0.22, Tempo: 120})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"status": 404, "error": "not found"})
		}
	})

	out, err := client.TrackFeatures(context.Background(), []TrackID{"r1", "r2", "r-missing"})
	require.NoError(t, err)

	t.Run("serves cached features without a request", func(t *testing.T) {
		assert.InDelta(t, 0.11, out["r1"].Energy, 1e-9)
		for _, p := range fetchedPaths {
			assert.NotContains(t, p, "r1")
		}
	})

	t.Run("fetches and caches the rest", func(t *testing.T) {
		assert.InDelta(t, 0.22, out["r2"].Energy, 1e-9)
		cached, err := cache.Features(context.Background(), []string{"r2"})
		require.NoError(t, err)
		assert.Contains(t, cached, "r2")
	})

	t.Run("omits tracks without features", func(t *testing.T) {
		assert.NotContains(t, out, TrackID("r-missing"))
	})
}

func TestRecommendations(t *testing.T) {
	var gotSeeds, gotSize string
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/track/recommendation", r.URL.Path)
		gotSeeds = r.URL.Query().Get("seeds")
		gotSize = r.URL.Query().Get("size")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(contentResponse{Content: []TrackDetail{
			{ID: "r9", Href: "https://open.spotify.com/track/s9"},
		}})
	})

	recs, err := client.Recommendations(context.Background(),
		[]string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"}, 40)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s9", recs[0].SpotifyID())

	assert.Equal(t, "s1,s2,s3,s4,s5", gotSeeds, "seeds beyond the limit should be dropped")
	assert.Equal(t, "40", gotSize)
}
