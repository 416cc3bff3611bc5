package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fruitsalade/webfm/internal/classify"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultMetricsAddr     = ":9090"
	DefaultMaxUploadBytes  = 50 << 20
	DefaultMaxRequestBytes = 256 << 20
	DefaultSearchMaxDepth  = 4
	DefaultCookieName      = "fm_session"
	DefaultSessionTTL      = 12 * time.Hour
	DefaultShutdownTimeout = 10 * time.Second
	DefaultTitle           = "File Manager"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", DefaultListenAddr)
	v.SetDefault("server.metrics_addr", DefaultMetricsAddr)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.read_header_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.root", "")
	v.SetDefault("storage.create_root", false)

	v.SetDefault("limits.max_upload_bytes", DefaultMaxUploadBytes)
	v.SetDefault("limits.max_request_bytes", DefaultMaxRequestBytes)
	v.SetDefault("limits.preview_max_bytes", classify.DefaultPreviewMaxBytes)
	v.SetDefault("limits.search_max_depth", DefaultSearchMaxDepth)
	v.SetDefault("limits.recursive_search", true)

	v.SetDefault("filters.allowed_upload_exts", classify.DefaultAllowedUploadExts)
	v.SetDefault("filters.dangerous_exts", classify.DefaultDangerousExts)
	v.SetDefault("filters.preview_image_exts", classify.DefaultPreviewImageExts)
	v.SetDefault("filters.hidden_names", classify.DefaultHiddenNames)
	v.SetDefault("filters.dangerous_mime_prefixes", classify.DefaultDangerousMIMEPrefixes)
	v.SetDefault("filters.hide_dotfiles", true)

	v.SetDefault("features.allow_upload", true)
	v.SetDefault("features.allow_delete", true)
	v.SetDefault("features.allow_rename", true)
	v.SetDefault("features.allow_mkdir", true)
	v.SetDefault("features.allow_move", true)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.cookie_name", DefaultCookieName)
	v.SetDefault("session.ttl", DefaultSessionTTL)

	v.SetDefault("ui.title", DefaultTitle)
	v.SetDefault("ui.theme", "light")
}

// ApplyDefaults normalizes loaded values and fills anything left empty.
func ApplyDefaults(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = DefaultCookieName
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.UI.Title == "" {
		cfg.UI.Title = DefaultTitle
	}
	cfg.UI.Theme = strings.ToLower(strings.TrimSpace(cfg.UI.Theme))
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = "light"
	}

	cfg.Filters.AllowedUploadExts = normalizeExts(cfg.Filters.AllowedUploadExts)
	cfg.Filters.DangerousExts = normalizeExts(cfg.Filters.DangerousExts)
	cfg.Filters.PreviewImageExts = normalizeExts(cfg.Filters.PreviewImageExts)
	cfg.Filters.HiddenNames = trimAll(cfg.Filters.HiddenNames)
	cfg.Filters.DangerousMIMEPrefixes = trimAll(cfg.Filters.DangerousMIMEPrefixes)
}

// normalizeExts lowercases, strips a leading dot and drops blanks.
func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func trimAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
