// Package config loads the service configuration from an HCL file. Every
// block and attribute is optional; omitted values fall back to defaults.
// Attribute expressions may reference process environment variables through
// the `env` object, e.g. `client_id = env.SPOTIFY_CLIENT_ID`.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Config is the root of the service configuration.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Engine  EngineConfig
	Spotify SpotifyConfig
	Recco   ReccoConfig
	Gemini  GeminiConfig
	Cache   CacheConfig
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `hcl:"listen,optional"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// EngineConfig tunes the track compilation pipeline and playlist defaults.
type EngineConfig struct {
	BatchSize            int `hcl:"batch_size,optional"`
	MaxConcurrentFetches int `hcl:"max_concurrent_fetches,optional"`
	PlaylistLength       int `hcl:"playlist_length,optional"`
	RecBatchesPerSource  int `hcl:"rec_batches_per_source,optional"`
	RecommendationLimit  int `hcl:"recommendation_limit,optional"`
	PlaylistSearchLimit  int `hcl:"playlist_search_limit,optional"`
	PlaylistTrackLimit   int `hcl:"playlist_track_limit,optional"`
}

// SpotifyConfig configures the Spotify Web API client.
type SpotifyConfig struct {
	BaseURL      string `hcl:"base_url,optional"`
	AccountsURL  string `hcl:"accounts_url,optional"`
	ClientID     string `hcl:"client_id,optional"`
	ClientSecret string `hcl:"client_secret,optional"`
	// UserToken is a user-scoped access token for history endpoints and
	// playlist creation.
	UserToken string `hcl:"user_token,optional"`
	// PublishName, when set, saves every generated playlist under this name.
	PublishName string `hcl:"publish_name,optional"`
}

// ReccoConfig configures the ReccoBeats client.
type ReccoConfig struct {
	BaseURL string `hcl:"base_url,optional"`
	// FeatureConcurrency bounds parallel per-track feature fetches.
	FeatureConcurrency int `hcl:"feature_concurrency,optional"`
}

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	BaseURL string `hcl:"base_url,optional"`
	APIKey  string `hcl:"api_key,optional"`
	Model   string `hcl:"model,optional"`
}

// CacheConfig configures the SQLite cache.
type CacheConfig struct {
	Path string `hcl:"path,optional"`
}

// hclFile mirrors the file layout for decoding; blocks are pointers so a
// missing block decodes to nil instead of an error.
type hclFile struct {
	Server  *ServerConfig  `hcl:"server,block"`
	Log     *LogConfig     `hcl:"log,block"`
	Engine  *EngineConfig  `hcl:"engine,block"`
	Spotify *SpotifyConfig `hcl:"spotify,block"`
	Recco   *ReccoConfig   `hcl:"recco,block"`
	Gemini  *GeminiConfig  `hcl:"gemini,block"`
	Cache   *CacheConfig   `hcl:"cache,block"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{PlaylistLength: 30},
		Spotify: SpotifyConfig{
			BaseURL:     "https://api.spotify.com/v1",
			AccountsURL: "https://accounts.spotify.com",
		},
		Recco:  ReccoConfig{BaseURL: "https://api.reccobeats.com/v1"},
		Gemini: GeminiConfig{BaseURL: "https://generativelanguage.googleapis.com"},
		Cache:  CacheConfig{Path: "algorhythms.db"},
	}
}

// Load reads and decodes the HCL file at path on top of the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalContext(), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	cfg.apply(parsed)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// evalContext exposes the process environment to attribute expressions as the
// `env` object. Referencing a variable that is not set is a decode error,
// which surfaces missing secrets at startup instead of at first use.
func evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			vars[key] = cty.StringVal(value)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func (c *Config) apply(parsed hclFile) {
	if parsed.Server != nil {
		overrideString(&c.Server.Listen, parsed.Server.Listen)
	}
	if parsed.Log != nil {
		overrideString(&c.Log.Level, parsed.Log.Level)
		overrideString(&c.Log.Format, parsed.Log.Format)
	}
	if parsed.Engine != nil {
		overrideInt(&c.Engine.BatchSize, parsed.Engine.BatchSize)
		overrideInt(&c.Engine.MaxConcurrentFetches, parsed.Engine.MaxConcurrentFetches)
		overrideInt(&c.Engine.PlaylistLength, parsed.Engine.PlaylistLength)
		overrideInt(&c.Engine.RecBatchesPerSource, parsed.Engine.RecBatchesPerSource)
		overrideInt(&c.Engine.RecommendationLimit, parsed.Engine.RecommendationLimit)
		overrideInt(&c.Engine.PlaylistSearchLimit, parsed.Engine.PlaylistSearchLimit)
		overrideInt(&c.Engine.PlaylistTrackLimit, parsed.Engine.PlaylistTrackLimit)
	}
	if parsed.Spotify != nil {
		overrideString(&c.Spotify.BaseURL, parsed.Spotify.BaseURL)
		overrideString(&c.Spotify.AccountsURL, parsed.Spotify.AccountsURL)
		overrideString(&c.Spotify.ClientID, parsed.Spotify.ClientID)
		overrideString(&c.Spotify.ClientSecret, parsed.Spotify.ClientSecret)
		overrideString(&c.Spotify.UserToken, parsed.Spotify.UserToken)
		overrideString(&c.Spotify.PublishName, parsed.Spotify.PublishName)
	}
	if parsed.Recco != nil {
		overrideString(&c.Recco.BaseURL, parsed.Recco.BaseURL)
		overrideInt(&c.Recco.FeatureConcurrency, parsed.Recco.FeatureConcurrency)
	}
	if parsed.Gemini != nil {
		overrideString(&c.Gemini.BaseURL, parsed.Gemini.BaseURL)
		overrideString(&c.Gemini.APIKey, parsed.Gemini.APIKey)
		overrideString(&c.Gemini.Model, parsed.Gemini.Model)
	}
	if parsed.Cache != nil {
		overrideString(&c.Cache.Path, parsed.Cache.Path)
	}
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address must not be empty")
	}
	if c.Engine.PlaylistLength <= 0 {
		return fmt.Errorf("playlist length must be positive")
	}
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
