// Package gemini calls the Gemini generateContent API to turn a mood and
// activity into target audio features and into a playlist search query.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/recco"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash-lite"

// maxQueryLength caps the generated playlist search query.
const maxQueryLength = 50

// Client calls the Gemini REST API.
type Client struct {
	http   *resty.Client
	apiKey string
	model  string
}

// NewClient builds a client against baseURL, normally
// "https://generativelanguage.googleapis.com". An empty model selects
// DefaultModel.
func NewClient(baseURL, apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(60 * time.Second)
	return &Client{http: httpc, apiKey: apiKey, model: model}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.http.Close()
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	for _, cand := range r.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

// generate sends one prompt and returns the first text part of the response.
func (c *Client) generate(ctx context.Context, prompt string, jsonOutput bool) (string, error) {
	reqBody := generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}}
	if jsonOutput {
		reqBody.GenerationConfig = &generationConfig{ResponseMIMEType: "application/json"}
	}

	var body generateResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(reqBody).
		SetResult(&body).
		Post("/v1beta/models/" + c.model + ":generateContent")
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("gemini: generate content failed with status %d: %s", res.StatusCode(), res.String())
	}
	text := body.text()
	if text == "" {
		return "", fmt.Errorf("gemini: response contained no text")
	}
	return text, nil
}

const featureDefinitions = `- acousticness (0.0-1.0): Confidence measure of acoustic sounds vs electronic elements.
  Higher values (1.0) = more natural/organic sounds, lower values (0.0) = more synthetic.
- danceability (0.0-1.0): How suitable for dancing based on rhythm, beat, and tempo.
  0.0 = not danceable, 1.0 = highly danceable. Considers beat strength and consistency.
- energy (0.0-1.0): Perceived intensity and activity level.
  0.0 = calm/relaxed, 1.0 = intense/energetic. Based on dynamic range, loudness, and entropy.
- instrumentalness (0.0-1.0): Predicts absence of vocals.
  >0.5 = likely instrumental, near 1.0 = high confidence no vocals.
- liveness (0.0-1.0): Probability of live audience presence.
  >0.8 = strong likelihood of live recording, 0.0 = studio production.
- loudness (-60 to 0 dB): Overall average loudness in decibels (dB).
- speechiness (0.0-1.0): Presence of spoken words.
  <0.33 = music, 0.33-0.66 = mixed (e.g., rap), >0.66 = primarily speech.
- tempo (BPM): Estimated beats per minute (actual value). Typical range: 60-200 BPM.
- valence (0.0-1.0): Emotional positivity.
  0.0 = sad/depressing, 1.0 = happy/euphoric.`

const featureExamples = `- Mood: "calm", Activity: "studying"
  TargetFeatures: {"acousticness": 0.8, "danceability": 0.2, "energy": 0.3, "instrumentalness": 0.7, "liveness": 0.1, "loudness": -21, "speechiness": 0.1, "tempo": 75, "valence": 0.6}

- Mood: "energetic", Activity: "working out"
  TargetFeatures: {"acousticness": 0.1, "danceability": 0.9, "energy": 0.95, "instrumentalness": 0.4, "liveness": 0.2, "loudness": -5, "speechiness": 0.2, "tempo": 145, "valence": 0.8}

- Mood: "melancholic", Activity: "relaxing"
  TargetFeatures: {"acousticness": 0.95, "danceability": 0.1, "energy": 0.2, "instrumentalness": 0.6, "liveness": 0.1, "loudness": -15, "speechiness": 0.05, "tempo": 65, "valence": 0.3}`

// TargetFeatures asks the model for audio features matching a mood and
// activity. The response is requested as JSON and decoded directly into the
// feature vector.
func (c *Client) TargetFeatures(ctx context.Context, mood, activity string) (recco.Features, error) {
	prompt := fmt.Sprintf(`Create appropriate audio features that match this mood and activity for selecting songs for a playlist.
Mood: %q
Activity: %q

Respond with a single JSON object whose keys are exactly: acousticness, danceability, energy, instrumentalness, liveness, loudness, speechiness, tempo, valence.

Use the following definitions for each audio feature:
%s

Please return actual BPM for tempo and dB for loudness (not normalized values).

Here are some example feature outputs:
%s`, mood, activity, featureDefinitions, featureExamples)

	text, err := c.generate(ctx, prompt, true)
	if err != nil {
		return recco.Features{}, err
	}

	var features recco.Features
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &features); err != nil {
		return recco.Features{}, fmt.Errorf("gemini: decode target features: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Generated target features.", "mood", mood, "activity", activity)
	return features, nil
}

// SearchQuery generates a short playlist search query from the target
// features and context. On any model failure it falls back to the plain
// context string so playlist search still proceeds.
func (c *Client) SearchQuery(ctx context.Context, target *recco.Features, mood, activity string) (string, error) {
	fallback := searchContext(mood, activity)
	if target == nil {
		return fallback, nil
	}

	prompt := fmt.Sprintf(`Generate a concise playlist search query (2-4 words) to find relevant playlists on Spotify.

Use the following context and target audio features as input.

Context: %s

Target Audio Features:
- Acousticness: %.2f
- Danceability: %.2f
- Energy: %.2f
- Instrumentalness: %.2f
- Liveness: %.2f
- Loudness: %g dB
- Speechiness: %.2f
- Tempo: %g BPM
- Valence: %.2f

Audio Features:
%s

Examples of good playlist queries based on feature combinations:
- High energy + high valence + fast tempo: "Workout Pump Up"
- Low energy + low valence + high acousticness: "Sad Acoustic"
- High danceability + medium energy + low speechiness: "Dance Pop Hits"
- High acousticness + medium valence + high instrumentalness: "Indie Instrumental"
- Low valence + slow tempo + high acousticness: "Melancholic Ballads"
- High speechiness + medium energy: "Hip Hop Rap"
- High instrumentalness + low energy: "Ambient Instrumental"
- High liveness + high energy: "Live Concert"

Return only the search query, nothing else. Make it descriptive but concise.`,
		fallback,
		target.Acousticness, target.Danceability, target.Energy, target.Instrumentalness,
		target.Liveness, target.Loudness, target.Speechiness, target.Tempo, target.Valence,
		featureDefinitions)

	text, err := c.generate(ctx, prompt, false)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Search query generation failed; using context fallback.", "error", err)
		return fallback, nil
	}

	query := strings.Trim(strings.TrimSpace(text), `"'`)
	if len(query) > maxQueryLength {
		query = query[:maxQueryLength]
		if i := strings.LastIndex(query, " "); i > 0 {
			query = query[:i]
		}
	}
	if query == "" {
		return fallback, nil
	}
	return query, nil
}

// searchContext is the rule-based fallback query.
func searchContext(mood, activity string) string {
	var parts []string
	if mood != "" {
		parts = append(parts, "Mood: "+mood)
	}
	if activity != "" {
		parts = append(parts, "Activity: "+activity)
	}
	if len(parts) == 0 {
		return "General listening"
	}
	return strings.Join(parts, ", ")
}
