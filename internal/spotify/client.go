// Package spotify is a thin client for the subset of the Spotify Web API the
// playlist engine uses: listening history, playlist search, batch track
// lookup, and playlist creation.
package spotify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
)

// TrackBatchLimit is the largest number of track IDs the batch track endpoint
// accepts per call.
const TrackBatchLimit = 50

// pageSize is Spotify's per-request item cap on paged endpoints.
const pageSize = 50

// Client calls the Spotify Web API with tokens from the given source. User
// endpoints (top tracks, saved tracks, playlist creation) need a user token;
// the rest also work with client credentials.
type Client struct {
	http   *resty.Client
	tokens TokenSource
}

// NewClient builds a client against baseURL, normally
// "https://api.spotify.com/v1".
func NewClient(baseURL string, tokens TokenSource) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: httpc, tokens: tokens}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(tok), nil
}

func statusError(op string, res *resty.Response) error {
	return fmt.Errorf("spotify: %s failed with status %d: %s", op, res.StatusCode(), res.String())
}

type pagedTracks struct {
	Items []Track `json:"items"`
	Next  string  `json:"next"`
}

// TopTracks returns up to limit of the user's top tracks for the given time
// range ("short_term", "medium_term" or "long_term"), paging as needed.
func (c *Client) TopTracks(ctx context.Context, limit int, timeRange string) ([]Track, error) {
	tracks := make([]Track, 0, limit)
	for offset := 0; len(tracks) < limit; offset += pageSize {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}
		var page pagedTracks
		res, err := req.
			SetQueryParam("time_range", timeRange).
			SetQueryParam("limit", strconv.Itoa(min(pageSize, limit-len(tracks)))).
			SetQueryParam("offset", strconv.Itoa(offset)).
			SetResult(&page).
			Get("/me/top/tracks")
		if err != nil {
			return nil, fmt.Errorf("spotify: top tracks: %w", err)
		}
		if res.IsError() {
			return nil, statusError("top tracks", res)
		}
		tracks = append(tracks, page.Items...)
		if len(page.Items) == 0 || page.Next == "" {
			break
		}
	}
	ctxlog.FromContext(ctx).Debug("Fetched top tracks.", "timeRange", timeRange, "count", len(tracks))
	return tracks, nil
}

type savedTrackPage struct {
	Items []struct {
		Track Track `json:"track"`
	} `json:"items"`
	Next string `json:"next"`
}

// SavedTracks returns up to limit of the user's saved ("liked") tracks.
func (c *Client) SavedTracks(ctx context.Context, limit int) ([]Track, error) {
	tracks := make([]Track, 0, limit)
	for offset := 0; len(tracks) < limit; offset += pageSize {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}
		var page savedTrackPage
		res, err := req.
			SetQueryParam("limit", strconv.Itoa(min(pageSize, limit-len(tracks)))).
			SetQueryParam("offset", strconv.Itoa(offset)).
			SetResult(&page).
			Get("/me/tracks")
		if err != nil {
			return nil, fmt.Errorf("spotify: saved tracks: %w", err)
		}
		if res.IsError() {
			return nil, statusError("saved tracks", res)
		}
		for _, item := range page.Items {
			tracks = append(tracks, item.Track)
		}
		if len(page.Items) == 0 || page.Next == "" {
			break
		}
	}
	ctxlog.FromContext(ctx).Debug("Fetched saved tracks.", "count", len(tracks))
	return tracks, nil
}

// SearchPlaylists searches public playlists matching the query. Search
// results occasionally contain null entries, which are dropped.
func (c *Client) SearchPlaylists(ctx context.Context, query string, limit int) ([]Playlist, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Playlists struct {
			Items []*Playlist `json:"items"`
		} `json:"playlists"`
	}
	res, err := req.
		SetQueryParam("q", query).
		SetQueryParam("type", "playlist").
		SetQueryParam("limit", strconv.Itoa(min(pageSize, limit))).
		SetResult(&body).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("spotify: playlist search: %w", err)
	}
	if res.IsError() {
		return nil, statusError("playlist search", res)
	}
	playlists := make([]Playlist, 0, len(body.Playlists.Items))
	for _, p := range body.Playlists.Items {
		if p != nil && p.ID != "" {
			playlists = append(playlists, *p)
		}
	}
	return playlists, nil
}

// PlaylistItems returns up to limit tracks from a playlist. Local files and
// removed tracks come back without an ID and are dropped.
func (c *Client) PlaylistItems(ctx context.Context, playlistID string, limit int) ([]Track, error) {
	tracks := make([]Track, 0, limit)
	for offset := 0; len(tracks) < limit; offset += pageSize {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}
		var page savedTrackPage
		res, err := req.
			SetQueryParam("limit", strconv.Itoa(min(pageSize, limit-len(tracks)))).
			SetQueryParam("offset", strconv.Itoa(offset)).
			SetResult(&page).
			Get("/playlists/" + playlistID + "/tracks")
		if err != nil {
			return nil, fmt.Errorf("spotify: playlist items: %w", err)
		}
		if res.IsError() {
			return nil, statusError("playlist items", res)
		}
		for _, item := range page.Items {
			if item.Track.ID != "" {
				tracks = append(tracks, item.Track)
			}
		}
		if len(page.Items) == 0 || page.Next == "" {
			break
		}
	}
	return tracks, nil
}

// TrackDetails looks up full track objects for a batch of IDs. At most
// TrackBatchLimit IDs may be passed per call.
func (c *Client) TrackDetails(ctx context.Context, ids []string) ([]Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > TrackBatchLimit {
		return nil, fmt.Errorf("spotify: %d ids exceeds the batch limit of %d", len(ids), TrackBatchLimit)
	}
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Tracks []*Track `json:"tracks"`
	}
	res, err := req.
		SetQueryParam("ids", strings.Join(ids, ",")).
		SetResult(&body).
		Get("/tracks")
	if err != nil {
		return nil, fmt.Errorf("spotify: track details: %w", err)
	}
	if res.IsError() {
		return nil, statusError("track details", res)
	}
	tracks := make([]Track, 0, len(body.Tracks))
	for _, t := range body.Tracks {
		if t != nil && t.ID != "" {
			tracks = append(tracks, *t)
		}
	}
	return tracks, nil
}

// CurrentUserID returns the authenticated user's ID. Requires a user token.
func (c *Client) CurrentUserID(ctx context.Context) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var body struct {
		ID string `json:"id"`
	}
	res, err := req.SetResult(&body).Get("/me")
	if err != nil {
		return "", fmt.Errorf("spotify: current user: %w", err)
	}
	if res.IsError() {
		return "", statusError("current user", res)
	}
	return body.ID, nil
}

// CreatePlaylist creates a public playlist for the authenticated user and
// fills it with the given track URIs.
func (c *Client) CreatePlaylist(ctx context.Context, name, description string, trackURIs []string) (CreatedPlaylist, error) {
	userID, err := c.CurrentUserID(ctx)
	if err != nil {
		return CreatedPlaylist{}, err
	}

	req, err := c.request(ctx)
	if err != nil {
		return CreatedPlaylist{}, err
	}
	var created struct {
		ID           string `json:"id"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	}
	res, err := req.
		SetBody(map[string]any{"name": name, "description": description, "public": true}).
		SetResult(&created).
		Post("/users/" + userID + "/playlists")
	if err != nil {
		return CreatedPlaylist{}, fmt.Errorf("spotify: create playlist: %w", err)
	}
	if res.IsError() {
		return CreatedPlaylist{}, statusError("create playlist", res)
	}

	for start := 0; start < len(trackURIs); start += 100 {
		end := min(start+100, len(trackURIs))
		req, err := c.request(ctx)
		if err != nil {
			return CreatedPlaylist{}, err
		}
		res, err := req.
			SetBody(map[string]any{"uris": trackURIs[start:end]}).
			Post("/playlists/" + created.ID + "/tracks")
		if err != nil {
			return CreatedPlaylist{}, fmt.Errorf("spotify: add playlist items: %w", err)
		}
		if res.IsError() {
			return CreatedPlaylist{}, statusError("add playlist items", res)
		}
	}

	ctxlog.FromContext(ctx).Info("Created playlist.", "playlistID", created.ID, "tracks", len(trackURIs))
	return CreatedPlaylist{ID: created.ID, URL: created.ExternalURLs.Spotify}, nil
}
