package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"go2tv.app/station-remote/internal/discovery"
	"go2tv.app/station-remote/internal/quasar"
	"go2tv.app/station-remote/internal/session"
)

const (
	EnvConfig      = "STATIONCTL_CONFIG"
	EnvLogLevel    = "STATIONCTL_LOG_LEVEL"
	EnvCredentials = "STATIONCTL_CREDENTIALS"

	EnvOAuthClientID     = "STATIONCTL_OAUTH_CLIENT_ID"
	EnvOAuthClientSecret = "STATIONCTL_OAUTH_CLIENT_SECRET"

	defaultConfigPath      = "~/.config/stationctl/config.yaml"
	defaultCredentialsPath = "~/.config/stationctl/credentials.ini"
)

type Config struct {
	IdentityDomain string            `yaml:"identity_domain"`
	Endpoints      EndpointsConfig   `yaml:"endpoints"`
	OAuth          OAuthConfig       `yaml:"oauth"`
	HTTP           HTTPConfig        `yaml:"http"`
	Discovery      DiscoveryConfig   `yaml:"discovery"`
	Glagol         GlagolConfig      `yaml:"glagol"`
	Artwork        ArtworkConfig     `yaml:"artwork"`
	Credentials    CredentialsConfig `yaml:"credentials"`
	Log            LogConfig         `yaml:"log"`

	// Path is the file the config was read from; empty when defaults were used.
	Path string `yaml:"-"`
}

type EndpointsConfig struct {
	Passport    string `yaml:"passport"`
	MobileProxy string `yaml:"mobileproxy"`
	Probe       string `yaml:"probe"`
	QuasarWeb   string `yaml:"quasar_web"`
	QuasarAPI   string `yaml:"quasar_api"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type DiscoveryConfig struct {
	ServiceType    string        `yaml:"service_type"`
	Domain         string        `yaml:"domain"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	MissedScans    int           `yaml:"missed_scans"`
	BusyRetryDelay time.Duration `yaml:"busy_retry_delay"`
}

type GlagolConfig struct {
	CloseTimeout time.Duration `yaml:"close_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ArtworkConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type CredentialsConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	web := session.DefaultEndpoints()
	cloud := quasar.DefaultEndpoints()
	return Config{
		IdentityDomain: "yandex.ru",
		Endpoints: EndpointsConfig{
			Passport:    web.Passport,
			MobileProxy: web.MobileProxy,
			Probe:       web.Probe,
			QuasarWeb:   cloud.Web,
			QuasarAPI:   cloud.API,
		},
		HTTP: HTTPConfig{Timeout: 15 * time.Second},
		Discovery: DiscoveryConfig{
			ServiceType:    discovery.DefaultServiceType,
			Domain:         discovery.DefaultDomain,
			ScanInterval:   5 * time.Second,
			ScanTimeout:    2 * time.Second,
			MissedScans:    3,
			BusyRetryDelay: 250 * time.Millisecond,
		},
		Glagol: GlagolConfig{
			CloseTimeout: 3 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Artwork:     ArtworkConfig{MaxConcurrent: 2},
		Credentials: CredentialsConfig{Path: defaultCredentialsPath},
		Log:         LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads path, or $STATIONCTL_CONFIG, or the default location. A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		if env := strings.TrimSpace(os.Getenv(EnvConfig)); env != "" {
			path, explicit = env, true
		} else {
			path = defaultConfigPath
		}
	}

	resolved, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", resolved, err)
	default:
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", resolved, err)
		}
		cfg.Path = resolved
	}

	applyEnv(&cfg)
	cfg.Credentials.Path, err = homedir.Expand(cfg.Credentials.Path)
	if err != nil {
		return cfg, fmt.Errorf("expand credentials path: %w", err)
	}
	cfg.Credentials.Path = filepath.Clean(cfg.Credentials.Path)
	return cfg, cfg.Validate()
}

// decode overlays the YAML document onto cfg. Durations accept "5s" style
// strings and scalars are weakly typed.
func decode(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	return decoder.Decode(raw)
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCredentials)); v != "" {
		cfg.Credentials.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOAuthClientID)); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOAuthClientSecret)); v != "" {
		cfg.OAuth.ClientSecret = v
	}
}

func (c Config) Validate() error {
	var problems []string
	if c.HTTP.Timeout <= 0 {
		problems = append(problems, "http.timeout must be positive")
	}
	if c.Discovery.ScanInterval <= 0 {
		problems = append(problems, "discovery.scan_interval must be positive")
	}
	if c.Discovery.MissedScans <= 0 {
		problems = append(problems, "discovery.missed_scans must be positive")
	}
	if c.Artwork.MaxConcurrent <= 0 {
		problems = append(problems, "artwork.max_concurrent must be positive")
	}
	if strings.TrimSpace(c.Credentials.Path) == "" {
		problems = append(problems, "credentials.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of auto, json, console", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		Endpoints: session.Endpoints{
			Passport:    c.Endpoints.Passport,
			MobileProxy: c.Endpoints.MobileProxy,
			Probe:       c.Endpoints.Probe,
		},
		IdentityDomain: c.IdentityDomain,
		ClientID:       c.OAuth.ClientID,
		ClientSecret:   c.OAuth.ClientSecret,
		UserAgent:      c.HTTP.UserAgent,
		Timeout:        c.HTTP.Timeout,
	}
}

func (c Config) QuasarEndpoints() quasar.Endpoints {
	return quasar.Endpoints{Web: c.Endpoints.QuasarWeb, API: c.Endpoints.QuasarAPI}
}
