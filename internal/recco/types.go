package recco

import (
	"fmt"
	"strings"
)

// TrackID is ReccoBeats' own identifier for a track, distinct from the
// Spotify ID embedded in the track's href.
type TrackID string

// Features is the audio-feature vector ReccoBeats reports for a track. Tempo
// is in BPM and loudness in dB; the remaining dimensions are 0..1 confidence
// measures.
type Features struct {
	Acousticness     float64 `json:"acousticness"`
	Danceability     float64 `json:"danceability"`
	Energy           float64 `json:"energy"`
	Instrumentalness float64 `json:"instrumentalness"`
	Liveness         float64 `json:"liveness"`
	Loudness         float64 `json:"loudness"`
	Speechiness      float64 `json:"speechiness"`
	Tempo            float64 `json:"tempo"`
	Valence          float64 `json:"valence"`
	Popularity       int     `json:"popularity,omitempty"`
}

// Vector flattens the features into the named dimensions used for
// nearest-neighbor search. Popularity is not a search dimension.
func (f Features) Vector() map[string]float64 {
	return map[string]float64{
		"acousticness":     f.Acousticness,
		"danceability":     f.Danceability,
		"energy":           f.Energy,
		"instrumentalness": f.Instrumentalness,
		"liveness":         f.Liveness,
		"loudness":         f.Loudness,
		"speechiness":      f.Speechiness,
		"tempo":            f.Tempo,
		"valence":          f.Valence,
	}
}

// TrackDetail is ReccoBeats' record for a track.
type TrackDetail struct {
	ID         TrackID `json:"id"`
	Href       string  `json:"href"`
	Popularity int     `json:"popularity"`
}

// SpotifyID extracts the Spotify track ID from the detail's href, which ends
// with the Spotify ID as its last path segment. Empty when the href carries
// no usable segment.
func (d TrackDetail) SpotifyID() string {
	if d.Href == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(d.Href, "/"), "/")
	return parts[len(parts)-1]
}

// APIError is the error body the ReccoBeats service returns alongside 4xx/5xx
// statuses.
type APIError struct {
	StatusCode int    `json:"status"`
	Message    string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("reccobeats: API error %d: %s", e.StatusCode, e.Message)
}
