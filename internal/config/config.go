package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type RelayConfig struct {
	Listen          string
	Store           string
	DBPath          string
	RedisAddr       string
	RedisUsername   string
	RedisPassword   string
	RedisDB         int
	RedisKey        string
	AllowHosts      []string
	LogLevel        string
	LogFormat       string
	TLSMode         string
	Domain          string
	CertCacheDir    string
	TLSCertFile     string
	TLSKeyFile      string
	ChallengeListen string
	HTTP3           bool
	ProxyProtocol   bool
	AdminListen     string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	WriteRate       float64
	WriteBurst      int
	WatchPing       time.Duration
	JanitorInterval time.Duration
}

type PublisherConfig struct {
	RelayURL       string
	URL            string
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LogLevel       string
	LogFormat      string
}

type AutoConfig struct {
	PublisherConfig
	Cloudflared string
	LocalPort   int
	LocalURL    string
	URLPattern  string
}

type ResolverConfig struct {
	RelayURL  string
	Origin    string
	StatePath string
	Timeout   time.Duration
	NoRefresh bool
	LogLevel  string
	LogFormat string
}

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// TLS modes for the relay listener.
const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeAuto   = "auto"
)

const defaultRelayListen = ":8787"
const defaultRelayDBPath = "./tunnelrelay.db"
const defaultRelayCertCacheDir = "./cert"
const defaultChallengeListen = ":80"
const defaultRelayRequestTimeout = 10 * time.Second
const defaultRelayMaxBodyBytes = 16 * 1024
const defaultWriteRate = 1.0
const defaultWriteBurst = 10
const defaultWatchPing = 30 * time.Second
const defaultJanitorInterval = 5 * time.Minute

const defaultPublishAttempts = 5
const defaultPublishTimeout = 30 * time.Second
const defaultPublishInitialBackoff = 2 * time.Second
const defaultPublishMaxBackoff = time.Minute
const defaultLocalPort = 3000
const defaultCloudflared = "cloudflared"

// DefaultTunnelURLPattern matches quick-tunnel addresses printed by cloudflared.
const DefaultTunnelURLPattern = `https://[a-z0-9-]+\.trycloudflare\.com`

const defaultResolverTimeout = 10 * time.Second

func ParseRelayFlags(args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		Listen:          envOrDefault("TUNNELRELAY_LISTEN", defaultRelayListen),
		Store:           envOrDefault("TUNNELRELAY_STORE", StoreSQLite),
		DBPath:          envOrDefault("TUNNELRELAY_DB_PATH", defaultRelayDBPath),
		RedisAddr:       envOrDefault("TUNNELRELAY_REDIS_ADDR", ""),
		RedisUsername:   envOrDefault("TUNNELRELAY_REDIS_USERNAME", ""),
		RedisPassword:   envOrDefault("TUNNELRELAY_REDIS_PASSWORD", ""),
		RedisDB:         envIntOrDefault("TUNNELRELAY_REDIS_DB", 0),
		RedisKey:        envOrDefault("TUNNELRELAY_REDIS_KEY", ""),
		AllowHosts:      splitList(envOrDefault("TUNNELRELAY_ALLOW_HOSTS", "")),
		LogLevel:        envOrDefault("TUNNELRELAY_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("TUNNELRELAY_LOG_FORMAT", "auto"),
		TLSMode:         envOrDefault("TUNNELRELAY_TLS_MODE", TLSModeOff),
		Domain:          envOrDefault("TUNNELRELAY_DOMAIN", ""),
		CertCacheDir:    envOrDefault("TUNNELRELAY_CERT_CACHE_DIR", defaultRelayCertCacheDir),
		TLSCertFile:     envOrDefault("TUNNELRELAY_TLS_CERT_FILE", ""),
		TLSKeyFile:      envOrDefault("TUNNELRELAY_TLS_KEY_FILE", ""),
		ChallengeListen: envOrDefault("TUNNELRELAY_CHALLENGE_LISTEN", defaultChallengeListen),
		HTTP3:           envBoolOrDefault("TUNNELRELAY_HTTP3", false),
		ProxyProtocol:   envBoolOrDefault("TUNNELRELAY_PROXY_PROTOCOL", false),
		AdminListen:     envOrDefault("TUNNELRELAY_ADMIN_LISTEN", ""),
		RequestTimeout:  defaultRelayRequestTimeout,
		MaxBodyBytes:    defaultRelayMaxBodyBytes,
		WriteRate:       envFloatOrDefault("TUNNELRELAY_WRITE_RATE", defaultWriteRate),
		WriteBurst:      envIntOrDefault("TUNNELRELAY_WRITE_BURST", defaultWriteBurst),
		WatchPing:       defaultWatchPing,
		JanitorInterval: defaultJanitorInterval,
	}

	allow := stringListFlag{items: cfg.AllowHosts}
	fs := newFlagSet("relay")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Endpoint store: sqlite|redis|memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address host:port")
	fs.StringVar(&cfg.RedisUsername, "redis-username", cfg.RedisUsername, "Redis username")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "Redis key holding the endpoint record")
	fs.Var(&allow, "allow-host", "Allowed endpoint host pattern (repeatable, e.g. *.trycloudflare.com)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: auto|text|json")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Relay public domain (required for --tls-mode=auto)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "TLS certificate PEM file (--tls-mode=static)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "TLS key PEM file (--tls-mode=static)")
	fs.StringVar(&cfg.ChallengeListen, "challenge-listen", cfg.ChallengeListen, "ACME HTTP-01 challenge listen address")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Also serve HTTP/3 on the listen address (requires TLS)")
	fs.BoolVar(&cfg.ProxyProtocol, "proxy-protocol", cfg.ProxyProtocol, "Accept PROXY protocol headers from a load balancer")
	fs.StringVar(&cfg.AdminListen, "admin-listen", cfg.AdminListen, "Admin listen address for /metrics and pprof (empty disables)")
	fs.Float64Var(&cfg.WriteRate, "write-rate", cfg.WriteRate, "Endpoint updates per second per client IP (0 disables limiting)")
	fs.IntVar(&cfg.WriteBurst, "write-burst", cfg.WriteBurst, "Endpoint update burst per client IP")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.AllowHosts = allow.values()

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	switch cfg.Store {
	case StoreSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("sqlite store requires --db or TUNNELRELAY_DB_PATH")
		}
	case StoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return cfg, errors.New("redis store requires --redis-addr or TUNNELRELAY_REDIS_ADDR")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("store must be one of: %s, %s, %s", StoreSQLite, StoreRedis, StoreMemory)
	}

	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
		if cfg.HTTP3 {
			return cfg, errors.New("--http3 requires --tls-mode static or auto")
		}
	case TLSModeStatic:
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return cfg, errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeAuto:
		cfg.Domain = normalizeDomainHost(cfg.Domain)
		if cfg.Domain == "" {
			return cfg, errors.New("tls mode auto requires --domain or TUNNELRELAY_DOMAIN")
		}
	default:
		return cfg, fmt.Errorf("tls mode must be one of: %s, %s, %s", TLSModeOff, TLSModeStatic, TLSModeAuto)
	}
	if cfg.WriteRate < 0 {
		return cfg, errors.New("write rate must be >= 0")
	}
	if cfg.WriteRate > 0 && cfg.WriteBurst <= 0 {
		return cfg, errors.New("write burst must be > 0 when write rate is set")
	}
	return cfg, nil
}

func ParsePublisherFlags(args []string) (PublisherConfig, error) {
	cfg := defaultPublisherConfig()
	fs := newFlagSet("publish")
	bindPublisherFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.URL == "" && fs.NArg() == 1 {
		cfg.URL = fs.Arg(0)
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return cfg, errors.New("missing --url or TUNNEL_URL")
	}
	return cfg, validatePublisher(cfg)
}

func ParseAutoFlags(args []string) (AutoConfig, error) {
	cfg := AutoConfig{
		PublisherConfig: defaultPublisherConfig(),
		Cloudflared:     envOrDefault("TUNNELRELAY_CLOUDFLARED", defaultCloudflared),
		LocalPort:       envIntOrDefault("TUNNELRELAY_PORT", envIntOrDefault("PORT", defaultLocalPort)),
		LocalURL:        envOrDefault("TUNNELRELAY_LOCAL_URL", ""),
		URLPattern:      envOrDefault("TUNNELRELAY_URL_PATTERN", DefaultTunnelURLPattern),
	}
	fs := newFlagSet("auto")
	bindPublisherFlags(fs, &cfg.PublisherConfig)
	fs.StringVar(&cfg.Cloudflared, "cloudflared", cfg.Cloudflared, "Path to the cloudflared binary")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local server port exposed through the tunnel")
	fs.StringVar(&cfg.LocalURL, "local-url", cfg.LocalURL, "Local server URL (overrides --port)")
	fs.StringVar(&cfg.URLPattern, "url-pattern", cfg.URLPattern, "Regular expression matching the tunnel URL in cloudflared output")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.LocalURL = strings.TrimSpace(cfg.LocalURL)
	if cfg.LocalURL == "" {
		if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
			return cfg, errors.New("local port must be between 1 and 65535")
		}
		cfg.LocalURL = "http://localhost:" + strconv.Itoa(cfg.LocalPort)
	}
	if strings.TrimSpace(cfg.Cloudflared) == "" {
		return cfg, errors.New("missing --cloudflared")
	}
	if strings.TrimSpace(cfg.URLPattern) == "" {
		cfg.URLPattern = DefaultTunnelURLPattern
	}
	return cfg, validatePublisher(cfg.PublisherConfig)
}

func ParseResolverFlags(name string, args []string) (ResolverConfig, []string, error) {
	cfg := ResolverConfig{
		RelayURL:  relayURLFromEnv(),
		Origin:    envOrDefault("TUNNELRELAY_ORIGIN", ""),
		StatePath: envOrDefault("TUNNELRELAY_STATE_PATH", ""),
		Timeout:   defaultResolverTimeout,
		LogLevel:  envOrDefault("TUNNELRELAY_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("TUNNELRELAY_LOG_FORMAT", "text"),
	}
	fs := newFlagSet(name)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay URL (e.g. https://relay.example.com)")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "Default backend origin when nothing is persisted")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "Persisted endpoint state file")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Relay request timeout")
	fs.BoolVar(&cfg.NoRefresh, "no-refresh", cfg.NoRefresh, "Skip the startup refresh from the relay")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: auto|text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	cfg.RelayURL = strings.TrimSpace(cfg.RelayURL)
	cfg.Origin = strings.TrimSpace(cfg.Origin)
	if cfg.Timeout <= 0 {
		return cfg, nil, errors.New("timeout must be > 0")
	}
	return cfg, fs.Args(), nil
}

func defaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		RelayURL:       relayURLFromEnv(),
		URL:            envOrDefault("TUNNELRELAY_TUNNEL_URL", envOrDefault("TUNNEL_URL", "")),
		MaxAttempts:    envIntOrDefault("TUNNELRELAY_PUBLISH_ATTEMPTS", defaultPublishAttempts),
		Timeout:        defaultPublishTimeout,
		InitialBackoff: defaultPublishInitialBackoff,
		MaxBackoff:     defaultPublishMaxBackoff,
		LogLevel:       envOrDefault("TUNNELRELAY_LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("TUNNELRELAY_LOG_FORMAT", "text"),
	}
}

func bindPublisherFlags(fs *flag.FlagSet, cfg *PublisherConfig) {
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay URL (e.g. https://relay.example.com)")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "Tunnel URL to publish")
	fs.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "Maximum publish attempts on transient failures")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Relay request timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: auto|text|json")
}

func validatePublisher(cfg PublisherConfig) error {
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return errors.New("missing --relay or TUNNELRELAY_RELAY_URL")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("attempts must be > 0")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func relayURLFromEnv() string {
	return envOrDefault("TUNNELRELAY_RELAY_URL", envOrDefault("WORKERS_URL", ""))
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}

type stringListFlag struct {
	items []string
}

func (f *stringListFlag) String() string {
	if f == nil || len(f.items) == 0 {
		return ""
	}
	return strings.Join(f.items, ",")
}

// Set appends one value; a comma-separated value adds each item.
func (f *stringListFlag) Set(value string) error {
	items := splitList(value)
	if len(items) == 0 {
		return errors.New("value cannot be empty")
	}
	f.items = append(f.items, items...)
	return nil
}

func (f *stringListFlag) values() []string {
	if f == nil || len(f.items) == 0 {
		return nil
	}
	out := make([]string, len(f.items))
	copy(out, f.items)
	return out
}
