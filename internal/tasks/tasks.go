// Package tasks defines the playlist-generation task graph: compile the
// candidate track list, index it, search it for the tracks nearest the target
// features, and assemble the final response.
package tasks

import (
	"context"
	"fmt"

	"github.com/algorhythms/algorhythms/internal/compiler"
	"github.com/algorhythms/algorhythms/internal/neighbors"
	"github.com/algorhythms/algorhythms/internal/recco"
	"github.com/algorhythms/algorhythms/internal/spotify"
	"github.com/algorhythms/algorhythms/internal/task"
)

// Task IDs, in registration order.
const (
	CompileTrackList     task.ID = "compile_track_list"
	BuildKDTree          task.ID = "build_kd_tree"
	FindNearestNeighbors task.ID = "find_kd_tree_nearest_neighbors"
	PublishPlaylist      task.ID = "publish_playlist"
	CompileFinalResults  task.ID = "compile_final_results"
)

// Input keys expected in the run's initial inputs.
const (
	KeyTargetFeatures = "target_features" // *recco.Features
	KeyPlaylistLength = "playlist_length" // int
	KeyMood           = "mood"            // string
	KeyActivity       = "activity"        // string
)

// DefaultPlaylistLength applies when the caller does not ask for a length.
const DefaultPlaylistLength = 30

// PlaylistPublisher creates a playlist on the listener's account.
type PlaylistPublisher interface {
	CreatePlaylist(ctx context.Context, name, description string, trackURIs []string) (spotify.CreatedPlaylist, error)
}

// Env bundles the collaborators the task bodies call out to.
type Env struct {
	Spotify compiler.SpotifyAPI
	Recco   compiler.ReccoAPI
	Queries compiler.QueryGenerator
	// Compiler tunes the track-list compilation. OnProgress is overridden per
	// run to feed the progressive task's updates.
	Compiler compiler.Config

	// Publisher, when set together with PublishName, adds a task that saves
	// the generated playlist to the listener's account.
	Publisher   PlaylistPublisher
	PublishName string
}

// Playlist is the client-facing shape of one generated playlist.
type Playlist struct {
	Tracks         []spotify.Track `json:"tracks"`
	GenerationTime float64         `json:"generation_time"`
}

// Register defines the playlist task graph on the registry.
func Register(reg *task.Registry, env *Env) error {
	defs := []task.Definition{
		{
			ID:             CompileTrackList,
			Label:          "Compiling Tracks",
			Description:    "Collects candidate tracks from listening history, recommendations and public playlists, with audio features.",
			RunProgressive: env.compileTrackList,
		},
		{
			ID:          BuildKDTree,
			Label:       "Building KD-Tree",
			Description: "Indexes the compiled tracks by audio features for nearest-neighbor search.",
			DependsOn:   []task.ID{CompileTrackList},
			Run:         buildKDTree,
		},
		{
			ID:          FindNearestNeighbors,
			Label:       "Searching Nearest Neighbors in KD-Tree",
			Description: "Selects the tracks whose audio features are closest to the target.",
			DependsOn:   []task.ID{BuildKDTree},
			Run:         findNearestNeighbors,
		},
	}

	finalDeps := []task.ID{FindNearestNeighbors}
	if env.Publisher != nil && env.PublishName != "" {
		defs = append(defs, task.Definition{
			ID:          PublishPlaylist,
			Label:       "Saving Playlist",
			Description: "Creates the generated playlist on the listener's account.",
			DependsOn:   []task.ID{FindNearestNeighbors},
			Run:         env.publishPlaylist,
		})
		finalDeps = append(finalDeps, PublishPlaylist)
	}

	defs = append(defs, task.Definition{
		ID:          CompileFinalResults,
		Label:       "Compiling Final Results",
		Description: "Assembles every generated playlist into the final response.",
		DependsOn:   finalDeps,
		Run:         compileFinalResults,
	})

	for _, def := range defs {
		if _, err := reg.Define(def); err != nil {
			return err
		}
	}
	return nil
}

func (env *Env) compileTrackList(ctx context.Context, in task.Inputs, rep *task.Reporter) error {
	target, _ := in.Value(KeyTargetFeatures).(*recco.Features)
	mood, _ := in.Value(KeyMood).(string)
	activity, _ := in.Value(KeyActivity).(string)

	cfg := env.Compiler
	cfg.OnProgress = func(stage string, collected int) {
		rep.Progress(map[string]any{
			"message": fmt.Sprintf("Finished %s with %d tracks collected", stage, collected),
			"stage":   stage,
			"tracks":  collected,
		})
	}

	c := compiler.New(cfg, env.Spotify, env.Recco, env.Queries, mood, activity, target)
	points, err := c.Compile(ctx)
	if err != nil {
		return err
	}

	rep.Resolve(task.Result{
		Internal: map[string]any{"track_data_points": points},
		Client:   map[string]any{"message": fmt.Sprintf("Compiled %d total tracks", len(points))},
	})
	return nil
}

func buildKDTree(_ context.Context, in task.Inputs) (task.Result, error) {
	points, ok := in.Value("track_data_points").([]compiler.TrackPoint)
	if !ok {
		return task.Result{}, fmt.Errorf("missing compiled track data points")
	}

	entries := make([]neighbors.Entry[spotify.Track], len(points))
	for i, p := range points {
		entries[i] = neighbors.Entry[spotify.Track]{Point: p.Features.Vector(), Value: p.Track}
	}
	tree := neighbors.Build(entries)

	return task.Result{
		Internal: map[string]any{"kd_tree": tree},
		Client:   map[string]any{"message": fmt.Sprintf("Indexed %d tracks", tree.Size())},
	}, nil
}

func findNearestNeighbors(_ context.Context, in task.Inputs) (task.Result, error) {
	tree, ok := in.Value("kd_tree").(*neighbors.KDTree[spotify.Track])
	if !ok {
		return task.Result{}, fmt.Errorf("missing KD-tree")
	}
	target, ok := in.Value(KeyTargetFeatures).(*recco.Features)
	if !ok || target == nil {
		return task.Result{}, fmt.Errorf("missing target features")
	}
	length, ok := in.Value(KeyPlaylistLength).(int)
	if !ok || length <= 0 {
		length = DefaultPlaylistLength
	}

	nearest := tree.Nearest(target.Vector(), length)
	tracks := make([]spotify.Track, len(nearest))
	for i, entry := range nearest {
		tracks[i] = entry.Value
	}

	return task.Result{
		Internal: map[string]any{"kd_tree_playlist_tracks": tracks},
		Client:   map[string]any{"message": fmt.Sprintf("Selected %d tracks", len(tracks))},
	}, nil
}

func (env *Env) publishPlaylist(ctx context.Context, in task.Inputs) (task.Result, error) {
	tracks, ok := in.Value("kd_tree_playlist_tracks").([]spotify.Track)
	if !ok {
		return task.Result{}, fmt.Errorf("missing selected playlist tracks")
	}

	uris := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if t.URI != "" {
			uris = append(uris, t.URI)
		}
	}
	created, err := env.Publisher.CreatePlaylist(ctx, env.PublishName, "Generated by Algorhythms", uris)
	if err != nil {
		return task.Result{}, err
	}

	return task.Result{
		Internal: map[string]any{"published_playlist": created},
		Client:   map[string]any{"message": "Saved playlist " + created.ID, "url": created.URL},
	}, nil
}

// compileFinalResults is the terminal task: its internal payload becomes the
// data of the run's final event.
func compileFinalResults(_ context.Context, in task.Inputs) (task.Result, error) {
	playlists := map[string]any{}

	if tracks, ok := in.Value("kd_tree_playlist_tracks").([]spotify.Track); ok {
		var generationTime float64
		if dep, ok := in.Deps[BuildKDTree]; ok {
			generationTime += dep.DurationMS
		}
		if dep, ok := in.Deps[FindNearestNeighbors]; ok {
			generationTime += dep.DurationMS
		}
		playlists["kd_tree_playlist"] = Playlist{Tracks: tracks, GenerationTime: generationTime}
	}
	if created, ok := in.Value("published_playlist").(spotify.CreatedPlaylist); ok {
		playlists["published_playlist"] = created
	}

	return task.Result{
		Internal: playlists,
		Client:   map[string]any{"message": fmt.Sprintf("Successfully compiled %d playlists.", len(playlists))},
	}, nil
}
