package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Store struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:secdash.db?cache=shared&mode=rwc,description=SQLite connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"store" json:"store" jsonschema:"description=Local state store configuration"`

	Proxy struct {
		Templates []string      `yaml:"templates" json:"templates" jsonschema:"description=Relay URL templates tried in order, each with a {target} placeholder"`
		Timeout   time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=15s,description=Timeout per upstream attempt"`
	} `yaml:"proxy" json:"proxy" jsonschema:"description=CORS relay fallback chain for blocked upstreams"`

	Upstreams UpstreamsConfig `yaml:"upstreams" json:"upstreams" jsonschema:"description=External data source endpoints"`

	Sources SourcesConfig `yaml:"sources" json:"sources" jsonschema:"description=Per-user source selection"`

	OAuth OAuthConfig `yaml:"oauth" json:"oauth" jsonschema:"description=GitHub OAuth broker configuration"`
}

// UpstreamsConfig holds the endpoints of every external feed the
// aggregator pulls from. Each has a public default, overridable for
// testing or self-hosted mirrors.
type UpstreamsConfig struct {
	GitHubAPI   string `yaml:"github_api" json:"github_api" jsonschema:"default=https://api.github.com,description=GitHub REST API base URL"`
	FeedConvert string `yaml:"feed_convert" json:"feed_convert" jsonschema:"description=RSS-to-JSON conversion endpoint, feed URL appended as rss_url"`
	NVD         string `yaml:"nvd" json:"nvd" jsonschema:"description=NVD CVE feed URL (primary vulnerability source)"`
	CIRCL       string `yaml:"circl" json:"circl" jsonschema:"description=CIRCL CVE feed URL (fallback vulnerability source)"`
	EPSS        string `yaml:"epss" json:"epss" jsonschema:"description=FIRST EPSS scoring endpoint, CVE ids appended comma-separated"`
	KEV         string `yaml:"kev" json:"kev" jsonschema:"description=CISA known exploited vulnerabilities catalog URL"`
	CTFTime     string `yaml:"ctftime" json:"ctftime" jsonschema:"description=CTFTime events API URL"`
	GitHubOAuth string `yaml:"github_oauth" json:"github_oauth" jsonschema:"default=https://github.com,description=GitHub OAuth base URL"`
}

// FeedConfig represents one configured article feed
type FeedConfig struct {
	Name string `yaml:"name" json:"name" jsonschema:"description=Display name of the feed"`
	URL  string `yaml:"url" json:"url" jsonschema:"required,description=Feed URL"`
}

// SourcesConfig selects what the aggregator watches
type SourcesConfig struct {
	GitHubUser string       `yaml:"github_user" json:"github_user" jsonschema:"description=GitHub user whose public activity to show"`
	Feeds      []FeedConfig `yaml:"feeds" json:"feeds" jsonschema:"description=Article feeds, defaults applied when empty"`
}

// OAuthConfig holds the token broker settings. ClientSecret stays
// server-side, it is never sent to the browser.
type OAuthConfig struct {
	ClientID      string `yaml:"client_id" json:"client_id" jsonschema:"description=GitHub OAuth app client id"`
	ClientSecret  string `yaml:"client_secret" json:"client_secret" jsonschema:"description=GitHub OAuth app client secret (can use environment variable)"`
	AllowedOrigin string `yaml:"allowed_origin" json:"allowed_origin" jsonschema:"description=Browser origin allowed to receive tokens"`
	Scope         string `yaml:"scope" json:"scope" jsonschema:"default=gist read:user,description=OAuth scopes requested"`
	PublicURL     string `yaml:"public_url" json:"public_url" jsonschema:"description=Externally visible base URL of this broker, used for the callback redirect"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// set defaults for server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	// set defaults for store
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "file:secdash.db?cache=shared&mode=rwc"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 10
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 5
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 3600
	}

	// set defaults for proxy chain
	if len(cfg.Proxy.Templates) == 0 {
		cfg.Proxy.Templates = []string{
			"https://api.allorigins.win/raw?url={target}",
			"https://corsproxy.io/?{target}",
		}
	}
	if cfg.Proxy.Timeout == 0 {
		cfg.Proxy.Timeout = 15 * time.Second
	}

	// set defaults for upstreams
	if cfg.Upstreams.GitHubAPI == "" {
		cfg.Upstreams.GitHubAPI = "https://api.github.com"
	}
	if cfg.Upstreams.FeedConvert == "" {
		cfg.Upstreams.FeedConvert = "https://api.rss2json.com/v1/api.json?rss_url="
	}
	if cfg.Upstreams.NVD == "" {
		// must be the static 1.1 feed, the REST API nests items differently
		cfg.Upstreams.NVD = "https://nvd.nist.gov/feeds/json/cve/1.1/nvdcve-1.1-recent.json"
	}
	if cfg.Upstreams.CIRCL == "" {
		cfg.Upstreams.CIRCL = "https://cve.circl.lu/api/last/30"
	}
	if cfg.Upstreams.EPSS == "" {
		cfg.Upstreams.EPSS = "https://api.first.org/data/v1/epss?cve="
	}
	if cfg.Upstreams.KEV == "" {
		cfg.Upstreams.KEV = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	}
	if cfg.Upstreams.CTFTime == "" {
		cfg.Upstreams.CTFTime = "https://ctftime.org/api/v1/events/?limit=20"
	}
	if cfg.Upstreams.GitHubOAuth == "" {
		cfg.Upstreams.GitHubOAuth = "https://github.com"
	}

	// set defaults for sources
	if len(cfg.Sources.Feeds) == 0 {
		cfg.Sources.Feeds = []FeedConfig{
			{Name: "TheHackerNews", URL: "https://feeds.feedburner.com/TheHackersNews"},
			{Name: "Krebs on Security", URL: "https://krebsonsecurity.com/feed/"},
			{Name: "Hacker News", URL: "https://hnrss.org/frontpage"},
		}
	}

	// set defaults for oauth
	if cfg.OAuth.Scope == "" {
		cfg.OAuth.Scope = "gist read:user"
	}

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// validate checks configuration for correctness
func validate(cfg *Config) error {

	// validate server config
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	// validate proxy config
	if cfg.Proxy.Timeout < time.Second {
		return fmt.Errorf("proxy timeout must be at least 1 second")
	}
	for _, tpl := range cfg.Proxy.Templates {
		if !strings.Contains(tpl, "{target}") {
			return fmt.Errorf("proxy template %q missing {target} placeholder", tpl)
		}
	}

	// validate source feeds
	for i, feed := range cfg.Sources.Feeds {
		if feed.URL == "" {
			return fmt.Errorf("sources.feeds[%d].url is required", i)
		}
	}

	// validate oauth config, broker is optional but half-configured is not
	if cfg.OAuth.ClientID != "" {
		if cfg.OAuth.ClientSecret == "" {
			return fmt.Errorf("oauth.client_secret is required when oauth.client_id is set")
		}
		if cfg.OAuth.AllowedOrigin == "" {
			return fmt.Errorf("oauth.allowed_origin is required when oauth.client_id is set")
		}
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetOAuthConfig returns the token broker configuration
func (c *Config) GetOAuthConfig() OAuthConfig {
	return c.OAuth
}

// GetUpstreamsConfig returns the external endpoint configuration
func (c *Config) GetUpstreamsConfig() UpstreamsConfig {
	return c.Upstreams
}

// GetSourcesConfig returns the source selection configuration
func (c *Config) GetSourcesConfig() SourcesConfig {
	return c.Sources
}
