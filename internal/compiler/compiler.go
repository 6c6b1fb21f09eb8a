// Package compiler assembles the master track list for a playlist run using a
// three-stage concurrent pipeline.
//
// Stage 1 collects candidate Spotify tracks from the listener's history and
// from public playlists. Stage 2 resolves recommended tracks back to full
// Spotify records. Both feed stage 3, which fetches audio features for every
// track that survived deduplication. Producers on one stage may register
// further producers downstream while everything is still running, so the
// stages are finished strictly in order.
package compiler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/pipeline"
	"github.com/algorhythms/algorhythms/internal/recco"
	"github.com/algorhythms/algorhythms/internal/spotify"
)

// SpotifyAPI is the slice of the Spotify client the compiler needs.
type SpotifyAPI interface {
	TopTracks(ctx context.Context, limit int, timeRange string) ([]spotify.Track, error)
	SavedTracks(ctx context.Context, limit int) ([]spotify.Track, error)
	SearchPlaylists(ctx context.Context, query string, limit int) ([]spotify.Playlist, error)
	PlaylistItems(ctx context.Context, playlistID string, limit int) ([]spotify.Track, error)
	TrackDetails(ctx context.Context, ids []string) ([]spotify.Track, error)
}

// ReccoAPI is the slice of the ReccoBeats client the compiler needs.
type ReccoAPI interface {
	TrackDetails(ctx context.Context, spotifyIDs []string) (map[string]recco.TrackDetail, error)
	TrackFeatures(ctx context.Context, ids []recco.TrackID) (map[recco.TrackID]recco.Features, error)
	Recommendations(ctx context.Context, seeds []string, limit int) ([]recco.TrackDetail, error)
}

// QueryGenerator produces the playlist search query for the public-playlist
// source.
type QueryGenerator interface {
	SearchQuery(ctx context.Context, target *recco.Features, mood, activity string) (string, error)
}

// TrackPoint is one compiled result: a Spotify track with its audio features.
type TrackPoint struct {
	Track    spotify.Track
	Features recco.Features
}

// ProgressFunc is invoked as the compilation advances, with the stage that
// just drained and the number of track points collected so far.
type ProgressFunc func(stage string, collected int)

// Config tunes one compilation run. Zero values select the defaults.
type Config struct {
	// BatchSize is the consumer batch size of every stage. Defaults to the
	// ReccoBeats detail batch limit.
	BatchSize int
	// MaxConcurrentFetches bounds in-flight remote calls across all stages,
	// which all talk to the same rate-limited upstreams. Defaults to 8.
	MaxConcurrentFetches int64
	// RecBatchesPerSource is how many recommendation seed batches each
	// primary source contributes. Defaults to 2.
	RecBatchesPerSource int
	// RecommendationLimit is the number of recommendations requested per seed
	// batch. Defaults to 40.
	RecommendationLimit int
	// PlaylistSearchLimit is how many found playlists are mined for tracks.
	// Defaults to 3.
	PlaylistSearchLimit int
	// PlaylistTrackLimit is how many tracks are taken per playlist. Defaults
	// to 30.
	PlaylistTrackLimit int
	// OnProgress, when set, is called after each stage finishes.
	OnProgress ProgressFunc
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = recco.DetailBatchLimit
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 8
	}
	if c.RecBatchesPerSource < 0 {
		c.RecBatchesPerSource = 0
	} else if c.RecBatchesPerSource == 0 {
		c.RecBatchesPerSource = 2
	}
	if c.RecommendationLimit <= 0 {
		c.RecommendationLimit = 40
	}
	if c.PlaylistSearchLimit <= 0 {
		c.PlaylistSearchLimit = 3
	}
	if c.PlaylistTrackLimit <= 0 {
		c.PlaylistTrackLimit = 30
	}
	return c
}

// pendingTrack is a stage-3 work item: a full Spotify track whose ReccoBeats
// ID is already known.
type pendingTrack struct {
	track   spotify.Track
	reccoID recco.TrackID
}

// Compiler runs one compilation. It is single-use.
type Compiler struct {
	cfg      Config
	spotify  SpotifyAPI
	recco    ReccoAPI
	queries  QueryGenerator
	mood     string
	activity string
	target   *recco.Features

	// seen spans all stages and both key spaces: composite name|artist keys
	// for primary tracks and raw Spotify IDs for recommendations.
	seen *pipeline.KeySet
	sem  *semaphore.Weighted

	mu     sync.Mutex
	points []TrackPoint

	primary      *pipeline.Pipeline[spotify.Track]
	reccoDetails *pipeline.Pipeline[recco.TrackDetail]
	features     *pipeline.Pipeline[pendingTrack]
}

// New builds a compiler for one run.
func New(cfg Config, spotifyAPI SpotifyAPI, reccoAPI ReccoAPI, queries QueryGenerator, mood, activity string, target *recco.Features) *Compiler {
	cfg = cfg.withDefaults()
	c := &Compiler{
		cfg:      cfg,
		spotify:  spotifyAPI,
		recco:    reccoAPI,
		queries:  queries,
		mood:     mood,
		activity: activity,
		target:   target,
		seen:     pipeline.NewKeySet(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentFetches),
	}
	c.primary = pipeline.New("primary_tracks", cfg.BatchSize, c.consumePrimary)
	c.reccoDetails = pipeline.New("recco_details", cfg.BatchSize, c.consumeReccoDetails)
	c.features = pipeline.New("feature_fetch", cfg.BatchSize, c.consumeFeatures)
	return c
}

// withFetchSlot runs one remote call under the shared concurrency bound.
func (c *Compiler) withFetchSlot(ctx context.Context, fn func() error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return fn()
}

// Compile runs the whole pipeline and returns the compiled track points.
func (c *Compiler) Compile(ctx context.Context) ([]TrackPoint, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Starting track compilation.", "batchSize", c.cfg.BatchSize, "maxConcurrentFetches", c.cfg.MaxConcurrentFetches)

	c.primary.Start(ctx)
	c.reccoDetails.Start(ctx)
	c.features.Start(ctx)

	// Each source producer may fan out further producers onto later stages
	// while it runs.
	if err := c.primary.AddProducers(ctx,
		c.primarySourceProducer(func(ctx context.Context) ([]spotify.Track, error) {
			return c.spotify.TopTracks(ctx, 100, "long_term")
		}),
		c.primarySourceProducer(func(ctx context.Context) ([]spotify.Track, error) {
			return c.spotify.TopTracks(ctx, 200, "medium_term")
		}),
		c.primarySourceProducer(func(ctx context.Context) ([]spotify.Track, error) {
			return c.spotify.TopTracks(ctx, 200, "short_term")
		}),
		c.primarySourceProducer(func(ctx context.Context) ([]spotify.Track, error) {
			return c.spotify.SavedTracks(ctx, 100)
		}),
		c.playlistsProducer(),
	); err != nil {
		return nil, err
	}

	stages := []struct {
		name   string
		finish func(context.Context) error
	}{
		{"primary_tracks", c.primary.Finish},
		{"recco_details", c.reccoDetails.Finish},
		{"feature_fetch", c.features.Finish},
	}
	for _, stage := range stages {
		logger.Debug("Waiting for pipeline stage to drain.", "stage", stage.name)
		if err := stage.finish(ctx); err != nil {
			return nil, err
		}
		if c.cfg.OnProgress != nil {
			c.cfg.OnProgress(stage.name, c.collected())
		}
	}

	points := c.snapshot()
	logger.Info("Track compilation finished.", "tracks", len(points))
	return points, nil
}

func (c *Compiler) collected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.points)
}

func (c *Compiler) snapshot() []TrackPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TrackPoint, len(c.points))
	copy(out, c.points)
	return out
}

// appendNewPrimary admits unseen tracks into stage 1 and returns them.
func (c *Compiler) appendNewPrimary(tracks []spotify.Track) []spotify.Track {
	admitted := make([]spotify.Track, 0, len(tracks))
	for _, t := range tracks {
		if c.seen.Admit(t.Key()) {
			admitted = append(admitted, t)
			c.primary.Append(t)
		}
	}
	return admitted
}

// primarySourceProducer fetches one batch of history tracks, admits them into
// stage 1, and fans their IDs out as recommendation seed producers on stage 2.
func (c *Compiler) primarySourceProducer(fetch func(context.Context) ([]spotify.Track, error)) pipeline.Producer {
	return func(ctx context.Context) error {
		var tracks []spotify.Track
		err := c.withFetchSlot(ctx, func() (err error) {
			tracks, err = fetch(ctx)
			return err
		})
		if err != nil {
			return err
		}

		admitted := c.appendNewPrimary(tracks)
		seeds := make([]string, len(admitted))
		for i, t := range admitted {
			seeds[i] = t.ID
		}

		seedBatches := chunk(seeds, recco.SeedLimit)
		if len(seedBatches) > c.cfg.RecBatchesPerSource {
			seedBatches = seedBatches[:c.cfg.RecBatchesPerSource]
		}
		producers := make([]pipeline.Producer, len(seedBatches))
		for i, batch := range seedBatches {
			producers[i] = c.recommendedProducer(batch)
		}
		if len(producers) > 0 {
			return c.reccoDetails.AddProducers(ctx, producers...)
		}
		return nil
	}
}

// recommendedProducer asks ReccoBeats for similar tracks and feeds the unseen
// ones into stage 2, keyed by Spotify ID.
func (c *Compiler) recommendedProducer(seeds []string) pipeline.Producer {
	return func(ctx context.Context) error {
		var recs []recco.TrackDetail
		err := c.withFetchSlot(ctx, func() (err error) {
			recs, err = c.recco.Recommendations(ctx, seeds, c.cfg.RecommendationLimit)
			return err
		})
		if err != nil {
			return err
		}

		for _, rec := range recs {
			spotifyID := rec.SpotifyID()
			if spotifyID == "" {
				continue
			}
			if c.seen.Admit(spotifyID) {
				c.reccoDetails.Append(rec)
			}
		}
		return nil
	}
}

// playlistsProducer searches public playlists matching the run's context and
// mines each found playlist for tracks. The per-playlist fetches run inside
// this one producer so that stage 1's Finish always waits for them;
// registering more stage-1 producers at this point could race Finish.
func (c *Compiler) playlistsProducer() pipeline.Producer {
	return func(ctx context.Context) error {
		query, err := c.queries.SearchQuery(ctx, c.target, c.mood, c.activity)
		if err != nil {
			return err
		}
		ctxlog.FromContext(ctx).Debug("Searching public playlists.", "query", query)

		var playlists []spotify.Playlist
		err = c.withFetchSlot(ctx, func() (err error) {
			playlists, err = c.spotify.SearchPlaylists(ctx, query, 10)
			return err
		})
		if err != nil {
			return err
		}
		if len(playlists) > c.cfg.PlaylistSearchLimit {
			playlists = playlists[:c.cfg.PlaylistSearchLimit]
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range playlists {
			g.Go(func() error {
				var tracks []spotify.Track
				err := c.withFetchSlot(gctx, func() (err error) {
					tracks, err = c.spotify.PlaylistItems(gctx, p.ID, c.cfg.PlaylistTrackLimit)
					return err
				})
				if err != nil {
					return err
				}
				c.appendNewPrimary(tracks)
				return nil
			})
		}
		return g.Wait()
	}
}

// consumePrimary resolves a batch of Spotify tracks to their ReccoBeats IDs
// and forwards the matches to stage 3. Tracks ReccoBeats does not know are
// silently dropped.
func (c *Compiler) consumePrimary(ctx context.Context, batch []spotify.Track) error {
	ids := make([]string, len(batch))
	byID := make(map[string]spotify.Track, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
		byID[t.ID] = t
	}

	var details map[string]recco.TrackDetail
	err := c.withFetchSlot(ctx, func() (err error) {
		details, err = c.recco.TrackDetails(ctx, ids)
		return err
	})
	if err != nil {
		return err
	}

	for spotifyID, detail := range details {
		if track, ok := byID[spotifyID]; ok {
			c.features.Append(pendingTrack{track: track, reccoID: detail.ID})
		}
	}
	return nil
}

// consumeReccoDetails resolves recommended tracks back to full Spotify
// records, in parallel chunks of the Spotify batch limit, and forwards them
// to stage 3 with their already-known ReccoBeats IDs.
func (c *Compiler) consumeReccoDetails(ctx context.Context, batch []recco.TrackDetail) error {
	reccoBySpotify := make(map[string]recco.TrackID, len(batch))
	ids := make([]string, 0, len(batch))
	for _, detail := range batch {
		if spotifyID := detail.SpotifyID(); spotifyID != "" {
			reccoBySpotify[spotifyID] = detail.ID
			ids = append(ids, spotifyID)
		}
	}

	var mu sync.Mutex
	var resolved []spotify.Track

	g, gctx := errgroup.WithContext(ctx)
	for _, idChunk := range chunk(ids, spotify.TrackBatchLimit) {
		g.Go(func() error {
			var tracks []spotify.Track
			err := c.withFetchSlot(gctx, func() (err error) {
				tracks, err = c.spotify.TrackDetails(gctx, idChunk)
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			resolved = append(resolved, tracks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, track := range resolved {
		reccoID, ok := reccoBySpotify[track.ID]
		if !ok {
			continue
		}
		// The producer admitted this item by raw Spotify ID; the primary path
		// admits by name/artist key. Re-check under the composite key now
		// that the full track is known, so a recommendation of a track the
		// history already contributed is not compiled twice.
		if !c.seen.Admit(track.Key()) {
			continue
		}
		c.features.Append(pendingTrack{track: track, reccoID: reccoID})
	}
	return nil
}

// consumeFeatures is the terminal stage: it fetches audio features for a
// batch and collects the finished track points.
func (c *Compiler) consumeFeatures(ctx context.Context, batch []pendingTrack) error {
	byRecco := make(map[recco.TrackID]spotify.Track, len(batch))
	ids := make([]recco.TrackID, 0, len(batch))
	for _, item := range batch {
		if _, dup := byRecco[item.reccoID]; !dup {
			ids = append(ids, item.reccoID)
		}
		byRecco[item.reccoID] = item.track
	}

	var features map[recco.TrackID]recco.Features
	err := c.withFetchSlot(ctx, func() (err error) {
		features, err = c.recco.TrackFeatures(ctx, ids)
		return err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for reccoID, feats := range features {
		if track, ok := byRecco[reccoID]; ok {
			c.points = append(c.points, TrackPoint{Track: track, Features: feats})
		}
	}
	return nil
}

func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
