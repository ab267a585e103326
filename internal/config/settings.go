package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// Settings holds all user-configurable settings organized by section.
type Settings struct {
	General GeneralSettings `toml:"general"`
	Limits  LimitSettings   `toml:"limits"`
	Network NetworkSettings `toml:"network"`
	Files   FileSettings    `toml:"files"`
	Cache   CacheSettings   `toml:"cache"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DownloadDir string `toml:"download_dir"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"` // console or json
	LogFile     string `toml:"log_file"`   // debug log, empty disables it
	HistoryPath string `toml:"history_path"`
}

// LimitSettings bound how hard the source is hit.
type LimitSettings struct {
	RateLimit              int `toml:"rate_limit"`
	RateWindowSeconds      int `toml:"rate_window_seconds"`
	MaxConcurrentDownloads int `toml:"max_concurrent_downloads"`
}

// NetworkSettings contains HTTP and retry parameters.
type NetworkSettings struct {
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	MaxRetries            int    `toml:"max_retries"`
	RetryDelaySeconds     int    `toml:"retry_delay_seconds"`
	MaxRetryDelaySeconds  int    `toml:"max_retry_delay_seconds"`
	UserAgent             string `toml:"user_agent"`
	ProxyURL              string `toml:"proxy_url"`
	MaxConnectionsPerHost int    `toml:"max_connections_per_host"`
	MaxGlobalConnections  int    `toml:"max_global_connections"`
	IdleTimeoutSeconds    int    `toml:"idle_timeout_seconds"`
	RetryStatuses         []int  `toml:"retry_statuses"`
}

// FileSettings control how payloads are written and checked.
type FileSettings struct {
	ChunkSize       int   `toml:"chunk_size"`
	MinFileSize     int64 `toml:"min_file_size"`
	VerifyMediaType bool  `toml:"verify_media_type"`
}

// CacheSettings size the response cache and dedup table.
type CacheSettings struct {
	TTLSeconds      int   `toml:"ttl_seconds"`
	MaxSize         int64 `toml:"max_size"`
	DedupTTLSeconds int   `toml:"dedup_ttl_seconds"`
}

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()

	return &Settings{
		General: GeneralSettings{
			DownloadDir: filepath.Join(homeDir, "Downloads"),
			LogLevel:    "info",
			LogFormat:   LogFormatConsole,
		},
		Limits: LimitSettings{
			RateLimit:              types.DefaultRateLimit,
			RateWindowSeconds:      int(types.DefaultRateWindow / time.Second),
			MaxConcurrentDownloads: types.DefaultMaxConcurrent,
		},
		Network: NetworkSettings{
			TimeoutSeconds:        int(types.DefaultFetchTimeout / time.Second),
			MaxRetries:            types.DefaultMaxRetries,
			RetryDelaySeconds:     int(types.DefaultRetryDelay / time.Second),
			MaxRetryDelaySeconds:  int(types.DefaultMaxRetryDelay / time.Second),
			MaxConnectionsPerHost: types.DefaultMaxConnsPerHost,
			MaxGlobalConnections:  types.DefaultMaxGlobalConns,
			IdleTimeoutSeconds:    int(types.DefaultIdleConnTimeout / time.Second),
			RetryStatuses:         append([]int(nil), types.DefaultRetryStatuses...),
		},
		Files: FileSettings{
			ChunkSize:   types.DefaultChunkSize,
			MinFileSize: types.DefaultMinFileSize,
		},
		Cache: CacheSettings{
			TTLSeconds:      int(types.DefaultCacheTTL / time.Second),
			MaxSize:         types.DefaultCacheMaxSize,
			DedupTTLSeconds: int(types.DefaultDedupTTL / time.Second),
		},
	}
}

// LoadSettings loads settings from path, or from GetSettingsPath when path
// is empty. A missing file yields defaults. Environment overrides are
// applied last and the result is validated.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = GetSettingsPath()
	}

	settings := DefaultSettings() // missing keys keep their defaults
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings.ApplyEnv(os.LookupEnv)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings writes settings to path atomically.
func SaveSettings(s *Settings, path string) error {
	if path == "" {
		path = GetSettingsPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// ApplyEnv overlays BATCHDL_* variables. Values that do not parse are
// ignored.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	intVar := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	int64Var := func(name string, dst *int64) {
		if v, ok := lookup(name); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				*dst = n
			}
		}
	}

	intVar("BATCHDL_MAX_CONCURRENT", &s.Limits.MaxConcurrentDownloads)
	intVar("BATCHDL_RATE_LIMIT", &s.Limits.RateLimit)
	intVar("BATCHDL_RATE_WINDOW", &s.Limits.RateWindowSeconds)
	intVar("BATCHDL_CHUNK_SIZE", &s.Files.ChunkSize)
	int64Var("BATCHDL_MIN_FILE_SIZE", &s.Files.MinFileSize)
	intVar("BATCHDL_TIMEOUT", &s.Network.TimeoutSeconds)
	intVar("BATCHDL_MAX_RETRIES", &s.Network.MaxRetries)
	intVar("BATCHDL_RETRY_DELAY", &s.Network.RetryDelaySeconds)
	if v, ok := lookup("BATCHDL_DOWNLOADS_PATH"); ok && strings.TrimSpace(v) != "" {
		s.General.DownloadDir = strings.TrimSpace(v)
	}
}

// Validate rejects values the engine cannot run with. Nothing is clamped.
func (s *Settings) Validate() error {
	fail := func(format string, args ...any) error {
		return types.NewConfigError("validate settings", fmt.Errorf(format, args...))
	}
	switch {
	case s.Limits.MaxConcurrentDownloads < 1:
		return fail("limits.max_concurrent_downloads must be at least 1, got %d", s.Limits.MaxConcurrentDownloads)
	case s.Limits.RateLimit < 1:
		return fail("limits.rate_limit must be at least 1, got %d", s.Limits.RateLimit)
	case s.Limits.RateWindowSeconds < 1:
		return fail("limits.rate_window_seconds must be at least 1, got %d", s.Limits.RateWindowSeconds)
	case s.Files.ChunkSize < types.MinChunkSize:
		return fail("files.chunk_size must be at least %d, got %d", types.MinChunkSize, s.Files.ChunkSize)
	case s.Files.MinFileSize < 0:
		return fail("files.min_file_size must not be negative, got %d", s.Files.MinFileSize)
	case s.Network.TimeoutSeconds < 1:
		return fail("network.timeout_seconds must be at least 1, got %d", s.Network.TimeoutSeconds)
	case s.Network.MaxRetries < 1:
		return fail("network.max_retries must be at least 1, got %d", s.Network.MaxRetries)
	case s.Network.RetryDelaySeconds < 1:
		return fail("network.retry_delay_seconds must be at least 1, got %d", s.Network.RetryDelaySeconds)
	}
	switch s.General.LogFormat {
	case "", LogFormatConsole, LogFormatJSON:
	default:
		return fail("general.log_format must be %q or %q, got %q", LogFormatConsole, LogFormatJSON, s.General.LogFormat)
	}
	return s.ToEngineConfig().Validate()
}

// ToEngineConfig creates an engine Config from user Settings.
func (s *Settings) ToEngineConfig() types.Config {
	cfg := types.DefaultConfig()

	cfg.RateLimit = s.Limits.RateLimit
	cfg.RateWindow = seconds(s.Limits.RateWindowSeconds)
	cfg.MaxConcurrent = s.Limits.MaxConcurrentDownloads

	cfg.FetchTimeout = seconds(s.Network.TimeoutSeconds)
	cfg.MaxRetries = s.Network.MaxRetries
	cfg.RetryDelay = seconds(s.Network.RetryDelaySeconds)
	cfg.MaxRetryDelay = seconds(s.Network.MaxRetryDelaySeconds)
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	cfg.UserAgent = s.Network.UserAgent
	cfg.ProxyURL = s.Network.ProxyURL
	cfg.MaxConnsPerHost = s.Network.MaxConnectionsPerHost
	cfg.MaxGlobalConns = s.Network.MaxGlobalConnections
	cfg.IdleConnTimeout = seconds(s.Network.IdleTimeoutSeconds)
	if len(s.Network.RetryStatuses) > 0 {
		cfg.RetryStatuses = append([]int(nil), s.Network.RetryStatuses...)
	}

	cfg.ChunkSize = s.Files.ChunkSize
	cfg.MinFileSize = s.Files.MinFileSize
	cfg.VerifyMediaType = s.Files.VerifyMediaType

	cfg.CacheTTL = seconds(s.Cache.TTLSeconds)
	cfg.CacheMaxSize = s.Cache.MaxSize
	cfg.DedupTTL = seconds(s.Cache.DedupTTLSeconds)
	return cfg
}

// HistoryPath is the configured ledger path or its default under the
// state directory.
func (s *Settings) HistoryPath() string {
	if s.General.HistoryPath != "" {
		return s.General.HistoryPath
	}
	return filepath.Join(GetStateDir(), "history.db")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
