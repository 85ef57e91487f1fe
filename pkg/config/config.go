// Package config loads vrtree configuration with viper.
//
// Values come from, in increasing priority: built-in defaults, an optional
// vrtree.yaml file, and VRTREE_* environment variables. Nested keys map to
// environment variables by upper-casing and replacing dots with
// underscores, so journal.sync_mode is VRTREE_JOURNAL_SYNC_MODE.
//
// Example Usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Println(cfg)
//
// A missing configuration file is not an error; the defaults describe an
// in-process store with journaling to ./data/journal and networking off.
package config

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VRTREE"

// Config holds all vrtree configuration.
//
// Configuration is organized into sections:
//   - Store: tree store behaviour and diagnostics
//   - Runtime: Go runtime memory tuning
//   - Journal: write-ahead change journal and snapshots
//   - Archive: badger document archive
//   - Network: peer synchronization
//   - Exchange: import plugins and the drop folder
//   - Security: license verification
//   - Logging: zap logger construction
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Network  NetworkConfig  `mapstructure:"network"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig holds tree store settings.
type StoreConfig struct {
	// UserName names the local user node
	UserName string `mapstructure:"user_name"`
	// RequireSecurity makes guarded operations need a security context
	RequireSecurity bool `mapstructure:"require_security"`
	// PathCacheSize bounds the Find path cache
	PathCacheSize int `mapstructure:"path_cache_size"`
	// ErrorLevels selects recorded diagnostics: errors, warnings, debug, info
	ErrorLevels []string `mapstructure:"error_levels"`
	// ImmediateErrorLog mirrors diagnostics into the logger as they happen
	ImmediateErrorLog bool `mapstructure:"immediate_error_log"`
	// WorldPrecision is 32 or 64 and must match the build
	WorldPrecision int `mapstructure:"world_precision"`
}

// RuntimeConfig tunes the Go runtime.
type RuntimeConfig struct {
	// MemoryLimit is a soft limit such as "2GB"; empty or "0" means none
	MemoryLimit string `mapstructure:"memory_limit"`
	// GCPercent is passed to debug.SetGCPercent when not 100
	GCPercent int `mapstructure:"gc_percent"`
}

// JournalConfig holds write-ahead journal settings.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// SyncMode is immediate, batch or none
	SyncMode          string        `mapstructure:"sync_mode"`
	BatchSyncInterval time.Duration `mapstructure:"batch_sync_interval"`
	// MaxEntries triggers compaction into SnapshotFile when exceeded
	MaxEntries   int64  `mapstructure:"max_entries"`
	SnapshotFile string `mapstructure:"snapshot_file"`
	// RecordRemote journals changes received from peers too
	RecordRemote bool `mapstructure:"record_remote"`
}

// ArchiveConfig holds badger archive settings.
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
	// CacheSize is the badger block cache, e.g. "64MB"
	CacheSize string `mapstructure:"cache_size"`
	// GCInterval runs value log GC periodically; zero disables it
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// NetworkConfig holds peer synchronization settings.
type NetworkConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port to listen on; 0 picks a free port
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
	// PeerID identifies this process; empty generates one
	PeerID string `mapstructure:"peer_id"`
	// Peers are host:port addresses dialed at startup
	Peers             []string `mapstructure:"peers"`
	BulkThreshold     int      `mapstructure:"bulk_threshold"`
	CompressThreshold int      `mapstructure:"compress_threshold"`
}

// ExchangeConfig holds import and export settings.
type ExchangeConfig struct {
	// DropDir is watched for files to import; empty disables watching
	DropDir  string        `mapstructure:"drop_dir"`
	Debounce time.Duration `mapstructure:"debounce"`
	// ScriptDir holds .go scripts loaded into the FFI interpreter
	ScriptDir string `mapstructure:"script_dir"`
}

// SecurityConfig holds license settings.
type SecurityConfig struct {
	// LicenseFile is the signed license presented at startup
	LicenseFile string `mapstructure:"license_file"`
	// LicenseKey is the hex MAC key licenses are verified with
	LicenseKey string `mapstructure:"license_key"`
	// Name is the requester name presented with the license
	Name string `mapstructure:"name"`
	// AuditLog records license and permission decisions as JSON lines;
	// empty disables the audit trail
	AuditLog string `mapstructure:"audit_log"`
	// AuditSync fsyncs the audit log after each event
	AuditSync bool `mapstructure:"audit_sync"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `mapstructure:"level"`
	// Format is json or console
	Format      string   `mapstructure:"format"`
	Output      []string `mapstructure:"output"`
	Development bool     `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.user_name", "local")
	v.SetDefault("store.require_security", false)
	v.SetDefault("store.path_cache_size", 1024)
	v.SetDefault("store.error_levels", []string{"errors", "warnings"})
	v.SetDefault("store.immediate_error_log", false)
	v.SetDefault("store.world_precision", 64)

	v.SetDefault("runtime.memory_limit", "0")
	v.SetDefault("runtime.gc_percent", 100)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.dir", "./data/journal")
	v.SetDefault("journal.sync_mode", "batch")
	v.SetDefault("journal.batch_sync_interval", 100*time.Millisecond)
	v.SetDefault("journal.max_entries", 100000)
	v.SetDefault("journal.snapshot_file", "./data/journal/snapshot.json")
	v.SetDefault("journal.record_remote", false)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dir", "./data/archive")
	v.SetDefault("archive.in_memory", false)
	v.SetDefault("archive.sync_writes", false)
	v.SetDefault("archive.cache_size", "64MB")
	v.SetDefault("archive.gc_interval", 10*time.Minute)

	v.SetDefault("network.enabled", false)
	v.SetDefault("network.port", 7700)
	v.SetDefault("network.path", "/vrtree")
	v.SetDefault("network.peer_id", "")
	v.SetDefault("network.peers", []string{})
	v.SetDefault("network.bulk_threshold", 64*1024)
	v.SetDefault("network.compress_threshold", 16*1024)

	v.SetDefault("exchange.drop_dir", "")
	v.SetDefault("exchange.debounce", 200*time.Millisecond)
	v.SetDefault("exchange.script_dir", "")

	v.SetDefault("security.license_file", "")
	v.SetDefault("security.license_key", "")
	v.SetDefault("security.name", "vrtree")
	v.SetDefault("security.audit_log", "")
	v.SetDefault("security.audit_sync", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", []string{"stderr"})
	v.SetDefault("logging.development", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the built-in defaults, ignoring files and the
// environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &c
}

// Load reads configuration. With path empty it searches for vrtree.yaml in
// ".", "$HOME/.vrtree" and "/etc/vrtree" and tolerates its absence; with
// a path the file must exist.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vrtree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.vrtree")
		v.AddConfigPath("/etc/vrtree")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var (
	syncModes   = []string{"immediate", "batch", "none"}
	logLevels   = []string{"debug", "info", "warn", "error"}
	logFormats  = []string{"json", "console"}
	errorLevels = []string{"errors", "warnings", "debug", "info"}
)

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// Validate checks the configuration for invalid values.
//
// This method checks:
//   - the network port is within 0..65535
//   - the journal sync mode and log level are known
//   - world precision is 32 or 64
//   - the archive cache size parses
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid network port: %d", c.Network.Port)
	}
	if c.Network.Enabled && !strings.HasPrefix(c.Network.Path, "/") {
		return fmt.Errorf("network.path must start with '/', got: %s", c.Network.Path)
	}
	if c.Journal.Enabled && !oneOf(c.Journal.SyncMode, syncModes) {
		return fmt.Errorf("invalid journal sync mode %q (want one of %s)", c.Journal.SyncMode, strings.Join(syncModes, ", "))
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("journal enabled but no directory configured")
	}
	if c.Store.WorldPrecision != 32 && c.Store.WorldPrecision != 64 {
		return fmt.Errorf("invalid world precision: %d (want 32 or 64)", c.Store.WorldPrecision)
	}
	for _, l := range c.Store.ErrorLevels {
		if !oneOf(l, errorLevels) {
			return fmt.Errorf("invalid store error level %q", l)
		}
	}
	if !oneOf(strings.ToLower(c.Logging.Level), logLevels) {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, logFormats) {
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Archive.Enabled && !c.Archive.InMemory && c.Archive.Dir == "" {
		return fmt.Errorf("archive enabled but no directory configured")
	}
	if parseMemorySize(c.Archive.CacheSize) < 0 {
		return fmt.Errorf("invalid archive cache size %q", c.Archive.CacheSize)
	}
	return nil
}

// String returns a safe summary for logging. The license key is never
// included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{User: %s, Journal: %v(%s), Archive: %v, Network: %v:%d, Security: %v, Log: %s}",
		c.Store.UserName,
		c.Journal.Enabled, c.Journal.SyncMode,
		c.Archive.Enabled,
		c.Network.Enabled, c.Network.Port,
		c.Security.LicenseFile != "",
		c.Logging.Level,
	)
}

// CacheBytes returns the parsed archive block cache size.
func (a ArchiveConfig) CacheBytes() int64 { return parseMemorySize(a.CacheSize) }

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *RuntimeConfig) ApplyRuntimeMemory() {
	if limit := parseMemorySize(c.MemoryLimit); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if c.GCPercent != 100 && c.GCPercent != 0 {
		debug.SetGCPercent(c.GCPercent)
	}
}
