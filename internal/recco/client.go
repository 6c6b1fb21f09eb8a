// Package recco is a client for the ReccoBeats API, which maps Spotify tracks
// to ReccoBeats records, serves audio features, and generates recommendations.
package recco

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"resty.dev/v3"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
)

// DetailBatchLimit is the largest number of Spotify IDs the track-detail
// endpoint accepts per call.
const DetailBatchLimit = 40

// FeatureCache persists audio features between runs. A nil cache disables
// caching entirely.
type FeatureCache interface {
	Features(ctx context.Context, ids []string) (map[string]Features, error)
	StoreFeatures(ctx context.Context, feats map[string]Features) error
}

// Client talks to the ReccoBeats API.
type Client struct {
	http         *resty.Client
	cache        FeatureCache
	featureLimit int
}

// NewClient builds a client against the given base URL, e.g.
// "https://api.reccobeats.com/v1". Per-track feature lookups are bounded to
// featureConcurrency in-flight requests; values below 1 fall back to 4.
func NewClient(baseURL string, cache FeatureCache, featureConcurrency int) *Client {
	if featureConcurrency < 1 {
		featureConcurrency = 4
	}
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: httpc, cache: cache, featureLimit: featureConcurrency}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.http.Close()
}

type contentResponse struct {
	Content []TrackDetail `json:"content"`
}

// TrackDetails resolves a batch of Spotify track IDs to ReccoBeats records.
// The result is keyed by Spotify ID; tracks ReccoBeats does not know are
// absent from the map. At most DetailBatchLimit IDs may be passed per call.
func (c *Client) TrackDetails(ctx context.Context, spotifyIDs []string) (map[string]TrackDetail, error) {
	if len(spotifyIDs) == 0 {
		return map[string]TrackDetail{}, nil
	}
	if len(spotifyIDs) > DetailBatchLimit {
		return nil, fmt.Errorf("reccobeats: %d ids exceeds the batch limit of %d", len(spotifyIDs), DetailBatchLimit)
	}

	var (
		body   contentResponse
		apiErr APIError
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(spotifyIDs, ",")).
		SetResult(&body).
		SetError(&apiErr).
		Get("/track")
	if err != nil {
		return nil, fmt.Errorf("reccobeats: track details: %w", err)
	}
	if res.IsError() {
		return nil, c.apiError(res, &apiErr)
	}

	out := make(map[string]TrackDetail, len(body.Content))
	for _, d := range body.Content {
		if sid := d.SpotifyID(); sid != "" {
			out[sid] = d
		}
	}
	ctxlog.FromContext(ctx).Debug("Resolved track details.",
		"requested", len(spotifyIDs), "matched", len(out))
	return out, nil
}

// TrackFeatures fetches audio features for the given ReccoBeats track IDs,
// serving from the cache where possible and fetching the rest concurrently.
// Tracks without published features are omitted from the result.
func (c *Client) TrackFeatures(ctx context.Context, ids []TrackID) (map[TrackID]Features, error) {
	logger := ctxlog.FromContext(ctx)
	out := make(map[TrackID]Features, len(ids))

	missing := ids
	if c.cache != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = string(id)
		}
		cached, err := c.cache.Features(ctx, keys)
		if err != nil {
			logger.Warn("Feature cache read failed; fetching everything.", "error", err)
		} else {
			missing = missing[:0:0]
			for _, id := range ids {
				if f, ok := cached[string(id)]; ok {
					out[id] = f
				} else {
					missing = append(missing, id)
				}
			}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	fetched := make(map[string]Features, len(missing))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.featureLimit)
	for _, id := range missing {
		g.Go(func() error {
			f, ok, err := c.trackFeatures(gctx, id)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			out[id] = f
			fetched[string(id)] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if c.cache != nil && len(fetched) > 0 {
		if err := c.cache.StoreFeatures(ctx, fetched); err != nil {
			logger.Warn("Feature cache write failed.", "error", err)
		}
	}
	logger.Debug("Fetched audio features.", "cached", len(ids)-len(missing), "fetched", len(fetched))
	return out, nil
}

// trackFeatures fetches one track's features. The boolean is false when the
// track exists but has no published features (a 404 from this endpoint).
func (c *Client) trackFeatures(ctx context.Context, id TrackID) (Features, bool, error) {
	var (
		body   Features
		apiErr APIError
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&apiErr).
		Get("/track/" + string(id) + "/audio-features")
	if err != nil {
		return Features{}, false, fmt.Errorf("reccobeats: audio features for %s: %w", id, err)
	}
	if res.StatusCode() == 404 {
		return Features{}, false, nil
	}
	if res.IsError() {
		return Features{}, false, c.apiError(res, &apiErr)
	}
	return body, true, nil
}

// SeedLimit is the largest number of seed tracks the recommendation endpoint
// accepts per call.
const SeedLimit = 5

// Recommendations asks ReccoBeats for tracks similar to the seed set. Seeds
// are Spotify track IDs; at most SeedLimit are sent.
func (c *Client) Recommendations(ctx context.Context, seeds []string, limit int) ([]TrackDetail, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if len(seeds) > SeedLimit {
		seeds = seeds[:SeedLimit]
	}

	var (
		body   contentResponse
		apiErr APIError
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("seeds", strings.Join(seeds, ",")).
		SetQueryParam("size", fmt.Sprintf("%d", limit)).
		SetResult(&body).
		SetError(&apiErr).
		Get("/track/recommendation")
	if err != nil {
		return nil, fmt.Errorf("reccobeats: recommendations: %w", err)
	}
	if res.IsError() {
		return nil, c.apiError(res, &apiErr)
	}
	return body.Content, nil
}

func (c *Client) apiError(res *resty.Response, apiErr *APIError) error {
	if apiErr.Message == "" {
		apiErr.Message = res.Status()
	}
	if apiErr.StatusCode == 0 {
		apiErr.StatusCode = res.StatusCode()
	}
	return apiErr
}
