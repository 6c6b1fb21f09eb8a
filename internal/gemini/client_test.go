package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algorhythms/algorhythms/internal/recco"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "test-key", "")
	t.Cleanup(func() { client.Close() })
	return client
}

func textResponse(text string) generateResponse {
	var res generateResponse
	res.Candidates = []struct {
		Content content `json:"content"`
	}{{Content: content{Parts: []part{{Text: text}}}}}
	return res
}

func TestTargetFeatures(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/"+DefaultModel+":generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.GenerationConfig)
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMIMEType)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(textResponse(
			`{"acousticness": 0.8, "danceability": 0.2, "energy": 0.3, "tempo": 75, "loudness": -21, "valence": 0.6}`))
	})

	features, err := client.TargetFeatures(context.Background(), "calm", "studying")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, features.Energy, 1e-9)
	assert.InDelta(t, 75, features.Tempo, 1e-9)
	assert.InDelta(t, -21, features.Loudness, 1e-9)
}

func TestTargetFeaturesBadJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(textResponse("not json at all"))
	})
	_, err := client.TargetFeatures(context.Background(), "calm", "studying")
	require.ErrorContains(t, err, "decode target features")
}

func TestSearchQuery(t *testing.T) {
	target := &recco.Features{Energy: 0.9, Tempo: 145, Loudness: -5}

	t.Run("nil target uses the context fallback", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		})
		query, err := client.SearchQuery(context.Background(), nil, "calm", "studying")
		require.NoError(t, err)
		assert.Equal(t, "Mood: calm, Activity: studying", query)
	})

	t.Run("trims quotes and caps at a word boundary", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(textResponse(
				`"High Energy Workout Power Mix For Long Running Sessions"`))
		})
		query, err := client.SearchQuery(context.Background(), target, "energetic", "running")
		require.NoError(t, err)
		assert.Equal(t, "High Energy Workout Power Mix For Long Running", query)
	})

	t.Run("model failure falls back to the context", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		query, err := client.SearchQuery(context.Background(), target, "energetic", "running")
		require.NoError(t, err)
		assert.Equal(t, "Mood: energetic, Activity: running", query)
	})

	t.Run("empty response falls back to the context", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(textResponse(`""`))
		})
		query, err := client.SearchQuery(context.Background(), target, "", "running")
		require.NoError(t, err)
		assert.Equal(t, "Activity: running", query)
	})
}

func TestSearchContext(t *testing.T) {
	assert.Equal(t, "General listening", searchContext("", ""))
	assert.Equal(t, "Mood: calm", searchContext("calm", ""))
	assert.Equal(t, "Mood: calm, Activity: studying", searchContext("calm", "studying"))
}
