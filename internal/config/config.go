package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"feedsplit/internal/model"
)

// FeedConfig locates the two RPDE feeds and tunes how they are paced.
type FeedConfig struct {
	// BaseURL is the feed root; the paths below are joined onto it unless
	// they are absolute URLs themselves.
	BaseURL         string `yaml:"base_url" json:"base_url"`
	SeriesPath      string `yaml:"series_path" json:"series_path"`
	OccurrencesPath string `yaml:"occurrences_path" json:"occurrences_path"`

	APIKey       string `yaml:"api_key" json:"-"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`

	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MinDelay     time.Duration `yaml:"min_delay" json:"min_delay"`
	BackoffFloor time.Duration `yaml:"backoff_floor" json:"backoff_floor"`
	BackoffMax   time.Duration `yaml:"backoff_max" json:"backoff_max"`
}

// LogConfig selects log verbosity and encoding ("json" or "console").
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	Feed FeedConfig `yaml:"feed" json:"feed"`

	// OutputDir is the store root.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Timezone is the IANA zone for schedules and dates that carry none.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WindowDays is how far ahead occurrences are generated and kept.
	WindowDays int `yaml:"window_days" json:"window_days"`

	// Workers bounds parallel item processing within a page.
	Workers int `yaml:"workers" json:"workers"`

	// RefreshCron is a standard five-field cron spec used by watch mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Listen is the status server address in watch mode. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Segments []model.Segment `yaml:"segments" json:"segments"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Europe/London"
	defaultRefresh      = "0 */6 * * *"
	defaultWindowDays   = 14
	defaultWorkers      = 4
	defaultAPIKeyHeader = "X-API-KEY"
	defaultTimeout      = 30 * time.Second
	defaultMinDelay     = 200 * time.Millisecond
	defaultBackoffFloor = time.Second
	defaultBackoffMax   = 1024 * time.Second
)

// Environment overrides, applied after the YAML file.
const (
	EnvAPIKey    = "FEEDSPLIT_API_KEY"
	EnvBaseURL   = "FEEDSPLIT_BASE_URL"
	EnvOutputDir = "FEEDSPLIT_OUTPUT_DIR"
	EnvLogLevel  = "FEEDSPLIT_LOG_LEVEL"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			BaseURL:         "https://example.org/api/rpde",
			SeriesPath:      "session-series",
			OccurrencesPath: "scheduled-sessions",
			APIKeyHeader:    defaultAPIKeyHeader,
			Timeout:         defaultTimeout,
			MinDelay:        defaultMinDelay,
			BackoffFloor:    defaultBackoffFloor,
			BackoffMax:      defaultBackoffMax,
		},
		OutputDir:   "./data",
		Timezone:    defaultTimezone,
		WindowDays:  defaultWindowDays,
		Workers:     defaultWorkers,
		RefreshCron: defaultRefresh,
		Listen:      defaultListen,
		Log:         LogConfig{Level: "info", Format: "json"},
		Segments: []model.Segment{{
			Identifier:           "london",
			Latitude:             51.5074,
			Longitude:            -0.1278,
			RadiusKm:             25,
			AttendanceModeFilter: model.FilterAll,
		}},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.Feed.APIKeyHeader == "" {
		c.Feed.APIKeyHeader = defaultAPIKeyHeader
	}
	if c.Feed.Timeout <= 0 {
		c.Feed.Timeout = defaultTimeout
	}
	if c.Feed.MinDelay < 0 {
		c.Feed.MinDelay = defaultMinDelay
	}
	if c.Feed.BackoffFloor <= 0 {
		c.Feed.BackoffFloor = defaultBackoffFloor
	}
	if c.Feed.BackoffMax <= 0 {
		c.Feed.BackoffMax = defaultBackoffMax
	}
	if c.OutputDir == "" {
		c.OutputDir = "./data"
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.WindowDays == 0 {
		c.WindowDays = defaultWindowDays
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Segments == nil {
		c.Segments = []model.Segment{}
	}
	for i := range c.Segments {
		if c.Segments[i].AttendanceModeFilter == "" {
			c.Segments[i].AttendanceModeFilter = model.FilterAll
		}
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist a default config is written there (0600) and
// returned, so a first run leaves an editable file behind.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrap(err, "expand config path")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, errors.WithStack(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	cfg.Normalize()

	return &cfg, nil
}

// ApplyEnv loads envFile (if it exists) into the process environment via
// godotenv, then applies FEEDSPLIT_* overrides. Variables already set in the
// environment win over the file.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return errors.Wrapf(err, "load %s", envFile)
			}
		}
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Feed.BaseURL = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// ExpandPaths resolves a leading "~" in filesystem paths.
func (c *Config) ExpandPaths() error {
	dir, err := homedir.Expand(c.OutputDir)
	if err != nil {
		return errors.Wrap(err, "expand output_dir")
	}
	c.OutputDir = dir
	return nil
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Feed.BaseURL == "" && (!isAbsURL(c.Feed.SeriesPath) || !isAbsURL(c.Feed.OccurrencesPath)) {
		add("feed.base_url is required")
	}
	if c.Feed.SeriesPath == "" {
		add("feed.series_path is required")
	}
	if c.Feed.OccurrencesPath == "" {
		add("feed.occurrences_path is required")
	}
	if c.Feed.BackoffFloor > c.Feed.BackoffMax {
		add("feed.backoff_floor (%s) exceeds feed.backoff_max (%s)", c.Feed.BackoffFloor, c.Feed.BackoffMax)
	}
	if c.WindowDays <= 0 {
		add("window_days must be positive, got %d", c.WindowDays)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("timezone %q: %v", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		add("refresh %q: %v", c.RefreshCron, err)
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		add("basic_auth needs both username and password")
	}

	if len(c.Segments) == 0 {
		add("at least one segment is required")
	}
	seen := make(map[string]bool, len(c.Segments))
	for i, s := range c.Segments {
		switch {
		case !identifierPattern.MatchString(s.Identifier):
			add("segments[%d]: identifier %q must be letters, digits, '-' or '_'", i, s.Identifier)
		case seen[s.Identifier]:
			add("segments[%d]: duplicate identifier %q", i, s.Identifier)
		}
		seen[s.Identifier] = true
		if s.Latitude < -90 || s.Latitude > 90 {
			add("segments[%d]: latitude %v out of range", i, s.Latitude)
		}
		if s.Longitude < -180 || s.Longitude > 180 {
			add("segments[%d]: longitude %v out of range", i, s.Longitude)
		}
		if s.RadiusKm <= 0 {
			add("segments[%d]: radius must be positive", i)
		}
		if !s.AttendanceModeFilter.Valid() {
			add("segments[%d]: unknown attendance_mode_filter %q", i, s.AttendanceModeFilter)
		}
	}

	return result.ErrorOrNil()
}

// SeriesURL is the first page of the series feed.
func (c *Config) SeriesURL() string {
	return joinURL(c.Feed.BaseURL, c.Feed.SeriesPath)
}

// OccurrencesURL is the first page of the occurrence feed.
func (c *Config) OccurrencesURL() string {
	return joinURL(c.Feed.BaseURL, c.Feed.OccurrencesPath)
}

// Location loads the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window is the forward horizon as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

func isAbsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func joinURL(base, path string) string {
	if isAbsURL(path) {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.WithStack(err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	tmp, err := os.CreateTemp(dir, ".feedsplit-config-*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmpName, path))
}
