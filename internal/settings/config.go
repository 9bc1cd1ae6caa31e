package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port"`
		Origin     string `yaml:"origin"`
		SiteURL    string `yaml:"siteURL"`
		AdminPort  int    `yaml:"adminPort"`
		AdminToken string `yaml:"adminToken"`
	} `yaml:"server"`

	Storage struct {
		Root     string   `yaml:"root"`
		MaxBody  string   `yaml:"maxBody"`
		Preserve []string `yaml:"preserve"`
		Gzip     *bool    `yaml:"gzip"`

		MaxBodyBytes int64 `yaml:"-"`
	} `yaml:"storage"`

	// Cache holds the initial cache settings, keyed like the live Provider.
	Cache map[string]any `yaml:"cache"`

	// SettingsFile, when set, is watched and overrides Cache at runtime.
	SettingsFile string `yaml:"settingsFile"`

	Request struct {
		AuthCookies     []string `yaml:"authCookies"`
		CommerceCookies []string `yaml:"commerceCookies"`
		EditParams      []string `yaml:"editParams"`
	} `yaml:"request"`

	Regen struct {
		BatchSize    int    `yaml:"batchSize"`
		Delay        string `yaml:"delay"`
		BatchDelay   string `yaml:"batchDelay"`
		Workers      int    `yaml:"workers"`
		Timeout      string `yaml:"timeout"`
		UserAgent    string `yaml:"userAgent"`
		PreloadLimit int    `yaml:"preloadLimit"`
		PreloadEvery string `yaml:"preloadEvery"`

		DelayDur        time.Duration `yaml:"-"`
		BatchDelayDur   time.Duration `yaml:"-"`
		TimeoutDur      time.Duration `yaml:"-"`
		PreloadEveryDur time.Duration `yaml:"-"`
	} `yaml:"regen"`

	Content struct {
		DB       string   `yaml:"db"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"content"`

	// Assets points the srcset pass at pre-converted image variants.
	Assets struct {
		Dir string `yaml:"dir"`
		URL string `yaml:"url"`
	} `yaml:"assets"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`
}

// GzipEnabled reports whether compressed siblings are written.
func (c Config) GzipEnabled() bool {
	return c.Storage.Gzip == nil || *c.Storage.Gzip
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.SiteURL == "" {
		cfg.Server.SiteURL = cfg.Server.Origin
	}
	cfg.Server.SiteURL = strings.TrimRight(cfg.Server.SiteURL, "/")
	if cfg.Server.AdminPort != 0 && cfg.Server.AdminPort == cfg.Server.Port {
		return fmt.Errorf("server.adminPort must differ from server.port")
	}

	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Storage.MaxBody == "" {
		cfg.Storage.MaxBody = "8mb"
	}
	n, err := parseBytes(cfg.Storage.MaxBody)
	if err != nil {
		return fmt.Errorf("storage.maxBody: %w", err)
	}
	cfg.Storage.MaxBodyBytes = n
	if cfg.Storage.Preserve == nil {
		cfg.Storage.Preserve = []string{".htaccess", "nginx.conf", "web.config"}
	}

	cfg.Cache = flatten(cfg.Cache)

	if cfg.Request.AuthCookies == nil {
		cfg.Request.AuthCookies = []string{"wordpress_logged_in_", "wp-postpass_", "comment_author_"}
	}
	if cfg.Request.CommerceCookies == nil {
		cfg.Request.CommerceCookies = []string{"woocommerce_cart_hash", "woocommerce_items_in_cart", "wp_woocommerce_session_"}
	}
	if cfg.Request.EditParams == nil {
		cfg.Request.EditParams = []string{
			"elementor-preview", "fl_builder", "vc_editable", "fb-edit",
			"et_fb", "preview", "customize_changeset_uuid",
		}
	}

	if cfg.Regen.BatchSize <= 0 {
		cfg.Regen.BatchSize = 50
	}
	if cfg.Regen.Workers <= 0 {
		cfg.Regen.Workers = 1
	}
	if cfg.Regen.UserAgent == "" {
		cfg.Regen.UserAgent = "StaticBoost/1.0 (Generator)"
	}
	if cfg.Regen.PreloadLimit <= 0 {
		cfg.Regen.PreloadLimit = 100
	}
	durs := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"regen.delay", cfg.Regen.Delay, 100 * time.Millisecond, &cfg.Regen.DelayDur},
		{"regen.batchDelay", cfg.Regen.BatchDelay, 2 * time.Second, &cfg.Regen.BatchDelayDur},
		{"regen.timeout", cfg.Regen.Timeout, 60 * time.Second, &cfg.Regen.TimeoutDur},
		{"regen.preloadEvery", cfg.Regen.PreloadEvery, 0, &cfg.Regen.PreloadEveryDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.Logging.StatsEveryDur},
	}
	for _, d := range durs {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}

	if (cfg.Assets.Dir == "") != (cfg.Assets.URL == "") {
		return fmt.Errorf("assets.dir and assets.url must be set together")
	}
	cfg.Assets.URL = strings.TrimRight(cfg.Assets.URL, "/")

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	return nil
}

// flatten turns nested maps into dotted keys so that
// {rewrite: {lazy_load: false}} and {rewrite.lazy_load: false} are equivalent.
func flatten(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := strings.ToLower(k)
			if prefix != "" {
				key = prefix + "." + key
			}
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = v
		}
	}
	walk("", in)
	return out
}
