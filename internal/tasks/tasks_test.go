package tasks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algorhythms/algorhythms/internal/compiler"
	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/recco"
	"github.com/algorhythms/algorhythms/internal/runner"
	"github.com/algorhythms/algorhythms/internal/spotify"
	"github.com/algorhythms/algorhythms/internal/task"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func track(id string, energy float64) (spotify.Track, recco.Features) {
	return spotify.Track{
		ID:      id,
		Name:    "Track " + id,
		URI:     "spotify:track:" + id,
		Artists: []spotify.Artist{{Name: "Artist " + id}},
	}, recco.Features{Energy: energy, Tempo: 120, Loudness: -10}
}

// stubSpotify serves the same three tracks from every source.
type stubSpotify struct{ tracks []spotify.Track }

func (s *stubSpotify) TopTracks(context.Context, int, string) ([]spotify.Track, error) {
	return s.tracks, nil
}
func (s *stubSpotify) SavedTracks(context.Context, int) ([]spotify.Track, error) {
	return s.tracks, nil
}
func (s *stubSpotify) SearchPlaylists(context.Context, string, int) ([]spotify.Playlist, error) {
	return nil, nil
}
func (s *stubSpotify) PlaylistItems(context.Context, string, int) ([]spotify.Track, error) {
	return nil, nil
}
func (s *stubSpotify) TrackDetails(_ context.Context, ids []string) ([]spotify.Track, error) {
	var out []spotify.Track
	for _, id := range ids {
		for _, t := range s.tracks {
			if t.ID == id {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

type stubRecco struct{ features map[string]recco.Features }

func (s *stubRecco) TrackDetails(_ context.Context, spotifyIDs []string) (map[string]recco.TrackDetail, error) {
	out := map[string]recco.TrackDetail{}
	for _, id := range spotifyIDs {
		if _, ok := s.features[id]; ok {
			out[id] = recco.TrackDetail{
				ID:   recco.TrackID("r-" + id),
				Href: "https://open.spotify.com/track/" + id,
			}
		}
	}
	return out, nil
}

func (s *stubRecco) TrackFeatures(_ context.Context, ids []recco.TrackID) (map[recco.TrackID]recco.Features, error) {
	out := map[recco.TrackID]recco.Features{}
	for _, id := range ids {
		spotifyID := string(id)[len("r-"):]
		if f, ok := s.features[spotifyID]; ok {
			out[id] = f
		}
	}
	return out, nil
}

func (s *stubRecco) Recommendations(context.Context, []string, int) ([]recco.TrackDetail, error) {
	return nil, nil
}

type stubQueries struct{}

func (stubQueries) SearchQuery(context.Context, *recco.Features, string, string) (string, error) {
	return "anything", nil
}

type stubPublisher struct{ lastURIs []string }

func (p *stubPublisher) CreatePlaylist(_ context.Context, name, _ string, uris []string) (spotify.CreatedPlaylist, error) {
	p.lastURIs = uris
	return spotify.CreatedPlaylist{ID: "pl-new", URL: "https://open.spotify.com/playlist/pl-new"}, nil
}

func stubEnv() (*Env, *stubPublisher) {
	ta, fa := track("a", 0.1)
	tb, fb := track("b", 0.5)
	tc, fc := track("c", 0.9)
	pub := &stubPublisher{}
	return &Env{
		Spotify: &stubSpotify{tracks: []spotify.Track{ta, tb, tc}},
		Recco:   &stubRecco{features: map[string]recco.Features{"a": fa, "b": fb, "c": fc}},
		Queries: stubQueries{},
	}, pub
}

func TestRegisterOrder(t *testing.T) {
	env, _ := stubEnv()
	reg := task.NewRegistry()
	require.NoError(t, Register(reg, env))

	assert.Equal(t, []task.ID{
		CompileTrackList, BuildKDTree, FindNearestNeighbors, CompileFinalResults,
	}, reg.Order())

	def, ok := reg.Get(CompileTrackList)
	require.True(t, ok)
	assert.True(t, def.Progressive())
}

func TestRegisterWithPublisher(t *testing.T) {
	env, pub := stubEnv()
	env.Publisher = pub
	env.PublishName = "Focus Mix"

	reg := task.NewRegistry()
	require.NoError(t, Register(reg, env))
	assert.Equal(t, []task.ID{
		CompileTrackList, BuildKDTree, FindNearestNeighbors, PublishPlaylist, CompileFinalResults,
	}, reg.Order())
}

// The full graph against stub collaborators: every task completes and the
// final event carries the generated playlist.
func TestPlaylistGraphEndToEnd(t *testing.T) {
	env, _ := stubEnv()
	reg := task.NewRegistry()
	require.NoError(t, Register(reg, env))

	target := &recco.Features{Energy: 0.85, Tempo: 120, Loudness: -10}
	r := runner.New(reg, runner.Options{TerminalTask: CompileFinalResults})
	events := r.Run(testCtx(t), task.Inputs{Values: map[string]any{
		KeyTargetFeatures: target,
		KeyPlaylistLength: 2,
		KeyMood:           "focused",
		KeyActivity:       "coding",
	}})

	var final runner.Event
	completed := map[task.ID]bool{}
	for ev := range events {
		switch ev.Type {
		case runner.TypeError:
			t.Fatalf("unexpected error record: %s", ev.Error)
		case runner.TypeFinal:
			final = ev
		case runner.TypeUpdate:
			if ev.Status == runner.StatusCompleted {
				completed[ev.TaskID] = true
			}
		}
	}

	for _, id := range reg.Order() {
		assert.True(t, completed[id], "task %s never completed", id)
	}

	require.Contains(t, final.Data, "kd_tree_playlist")
	playlist, ok := final.Data["kd_tree_playlist"].(Playlist)
	require.True(t, ok)
	require.Len(t, playlist.Tracks, 2)
	// Energy 0.9 then 0.5 are nearest to the 0.85 target.
	assert.Equal(t, "c", playlist.Tracks[0].ID)
	assert.Equal(t, "b", playlist.Tracks[1].ID)
}

func TestPublishPlaylistTask(t *testing.T) {
	env, pub := stubEnv()
	env.Publisher = pub
	env.PublishName = "Focus Mix"

	ta, _ := track("a", 0.1)
	tb, _ := track("b", 0.5)
	in := task.Inputs{Values: map[string]any{
		"kd_tree_playlist_tracks": []spotify.Track{ta, tb},
	}}

	res, err := env.publishPlaylist(testCtx(t), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"spotify:track:a", "spotify:track:b"}, pub.lastURIs)

	created, ok := res.Internal["published_playlist"].(spotify.CreatedPlaylist)
	require.True(t, ok)
	assert.Equal(t, "pl-new", created.ID)
}

func TestCompileFinalResults(t *testing.T) {
	ta, _ := track("a", 0.1)

	t.Run("sums tree build and search durations", func(t *testing.T) {
		in := task.Inputs{
			Values: map[string]any{"kd_tree_playlist_tracks": []spotify.Track{ta}},
			Deps: map[task.ID]task.CompletedTask{
				FindNearestNeighbors: {DurationMS: 12.5},
			},
		}
		res, err := compileFinalResults(context.Background(), in)
		require.NoError(t, err)

		playlist, ok := res.Internal["kd_tree_playlist"].(Playlist)
		require.True(t, ok)
		assert.InDelta(t, 12.5, playlist.GenerationTime, 1e-9)
		assert.Equal(t, "Successfully compiled 1 playlists.", res.Client["message"])
	})

	t.Run("no playlists without selected tracks", func(t *testing.T) {
		res, err := compileFinalResults(context.Background(), task.Inputs{})
		require.NoError(t, err)
		assert.Empty(t, res.Internal)
	})
}

func TestBuildAndSearchTasks(t *testing.T) {
	ta, fa := track("a", 0.2)
	tb, fb := track("b", 0.8)
	points := []compiler.TrackPoint{{Track: ta, Features: fa}, {Track: tb, Features: fb}}

	built, err := buildKDTree(context.Background(), task.Inputs{Values: map[string]any{
		"track_data_points": points,
	}})
	require.NoError(t, err)

	t.Run("search uses the built tree", func(t *testing.T) {
		in := task.Inputs{Values: map[string]any{
			"kd_tree":         built.Internal["kd_tree"],
			KeyTargetFeatures: &recco.Features{Energy: 0.75, Tempo: 120, Loudness: -10},
			KeyPlaylistLength: 1,
		}}
		res, err := findNearestNeighbors(context.Background(), in)
		require.NoError(t, err)

		tracks, ok := res.Internal["kd_tree_playlist_tracks"].([]spotify.Track)
		require.True(t, ok)
		require.Len(t, tracks, 1)
		assert.Equal(t, "b", tracks[0].ID)
	})

	t.Run("missing tree fails the task", func(t *testing.T) {
		_, err := findNearestNeighbors(context.Background(), task.Inputs{Values: map[string]any{
			KeyTargetFeatures: &recco.Features{},
		}})
		require.Error(t, err)
	})

	t.Run("missing points fail the build", func(t *testing.T) {
		_, err := buildKDTree(context.Background(), task.Inputs{})
		require.Error(t, err)
	})
}

