// Package config loads server configuration from an optional YAML file and
// FM_* environment variables.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/fileops"
)

// EnvPrefix prefixes every environment variable, e.g. FM_STORAGE_ROOT.
const EnvPrefix = "FM"

// ByteSize is a size in bytes. In files and the environment it may be written
// as a plain number or with a unit, like "50MiB" or "8MB".
type ByteSize int64

// String renders the size in IEC units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Filters  FiltersConfig  `mapstructure:"filters"`
	Features FeaturesConfig `mapstructure:"features"`
	Session  SessionConfig  `mapstructure:"session"`
	UI       UIConfig       `mapstructure:"ui"`
}

// ServerConfig holds listener settings. An empty MetricsAddr disables the
// metrics listener.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

type StorageConfig struct {
	Root       string `mapstructure:"root" validate:"required"`
	CreateRoot bool   `mapstructure:"create_root"`
}

// LimitsConfig bounds request sizes and searches. MaxRequestBytes caps a whole
// POST body, so it limits the combined size of an upload batch.
type LimitsConfig struct {
	MaxUploadBytes  ByteSize `mapstructure:"max_upload_bytes" validate:"gt=0"`
	MaxRequestBytes ByteSize `mapstructure:"max_request_bytes" validate:"gtefield=MaxUploadBytes"`
	PreviewMaxBytes ByteSize `mapstructure:"preview_max_bytes" validate:"gte=0"`
	SearchMaxDepth  int      `mapstructure:"search_max_depth" validate:"gte=0,lte=64"`
	RecursiveSearch bool     `mapstructure:"recursive_search"`
}

// FiltersConfig holds the classifier lists. Extensions are given without
// the leading dot.
type FiltersConfig struct {
	AllowedUploadExts     []string `mapstructure:"allowed_upload_exts" validate:"dive,required"`
	DangerousExts         []string `mapstructure:"dangerous_exts" validate:"dive,required"`
	PreviewImageExts      []string `mapstructure:"preview_image_exts" validate:"dive,required"`
	HiddenNames           []string `mapstructure:"hidden_names"`
	DangerousMIMEPrefixes []string `mapstructure:"dangerous_mime_prefixes"`
	HideDotfiles          bool     `mapstructure:"hide_dotfiles"`
}

type FeaturesConfig struct {
	AllowUpload bool `mapstructure:"allow_upload"`
	AllowDelete bool `mapstructure:"allow_delete"`
	AllowRename bool `mapstructure:"allow_rename"`
	AllowMkdir  bool `mapstructure:"allow_mkdir"`
	AllowMove   bool `mapstructure:"allow_move"`
}

// SessionConfig holds cookie settings. An empty Secret means a random one is
// generated at startup.
type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	CookieName string        `mapstructure:"cookie_name" validate:"required,printascii,excludesall=;=0x2C"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type UIConfig struct {
	Title string `mapstructure:"title" validate:"required"`
	Theme string `mapstructure:"theme" validate:"oneof=light dark"`
}

// Load reads configuration from configPath (skipped when empty) and the
// environment, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment lookup. Every key gets a default so that
// AutomaticEnv can see it during Unmarshal.
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeHook parses human-readable sizes into ByteSize.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != target || f.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return ByteSize(n), nil
	}
}

// ClassifierRules converts the filter settings into classifier rules.
func (c *Config) ClassifierRules() classify.Rules {
	return classify.Rules{
		AllowedUploadExts:     c.Filters.AllowedUploadExts,
		DangerousExts:         c.Filters.DangerousExts,
		PreviewImageExts:      c.Filters.PreviewImageExts,
		HiddenNames:           c.Filters.HiddenNames,
		DangerousMIMEPrefixes: c.Filters.DangerousMIMEPrefixes,
		HideDotfiles:          c.Filters.HideDotfiles,
		PreviewMaxBytes:       int64(c.Limits.PreviewMaxBytes),
	}
}

// FileOps converts limits and feature toggles into file operation settings.
func (c *Config) FileOps() fileops.Config {
	return fileops.Config{
		MaxUploadBytes: int64(c.Limits.MaxUploadBytes),
		Features: fileops.Features{
			Upload: c.Features.AllowUpload,
			Mkdir:  c.Features.AllowMkdir,
			Rename: c.Features.AllowRename,
			Delete: c.Features.AllowDelete,
			Move:   c.Features.AllowMove,
		},
	}
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != ""
}
