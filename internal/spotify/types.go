package spotify

import (
	"sort"
	"strings"
)

// Artist is the subset of Spotify's artist object the engine needs.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Track is the subset of Spotify's track object the engine needs.
type Track struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	URI     string   `json:"uri"`
	Artists []Artist `json:"artists"`
}

// ArtistNames lists the track's artist names in their original order.
func (t Track) ArtistNames() []string {
	names := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		names[i] = a.Name
	}
	return names
}

// Key is a stable identity for deduplication across sources: lowercased track
// name joined with the sorted, lowercased artist names. Two uploads of the
// same song on different albums collapse to one key even though their Spotify
// IDs differ.
func (t Track) Key() string {
	artists := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = strings.ToLower(a.Name)
	}
	sort.Strings(artists)
	return strings.ToLower(t.Name) + "|" + strings.Join(artists, ",")
}

// Playlist is the subset of Spotify's playlist object the engine needs.
type Playlist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreatedPlaylist describes a playlist created on behalf of the user.
type CreatedPlaylist struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
