package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Features is the typed form of FEATURE_FLAGS.
type Features struct {
	Progress  bool `json:"progress"`
	Analytics bool `json:"analytics"`
}

// ParseFeatures resolves a comma-separated token list. Unknown tokens are ignored.
func ParseFeatures(raw string) Features {
	var f Features
	for _, tok := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "progress":
			f.Progress = true
		case "analytics":
			f.Analytics = true
		}
	}
	return f
}

type DataBackend string

const (
	BackendREST     DataBackend = "rest"
	BackendPostgres DataBackend = "postgres"
)

type CatalogConfig struct {
	Endpoint   string
	RPS        float64
	MaxRetries int
	// CBFailures is the consecutive-failure count that opens the breaker.
	CBFailures uint32
}

type CacheConfig struct {
	TTL               time.Duration
	RedisURL          string
	InvalidateSubject string
}

type SupabaseConfig struct {
	URL       string
	Key       string
	JWTSecret []byte
}

// Configured reports whether both the URL and the anon key are present.
func (s SupabaseConfig) Configured() bool {
	return s.URL != "" && s.Key != ""
}

// RateLimitConfig bounds inbound requests per client IP.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustedProxies counts the reverse proxies appending to X-Forwarded-For.
	TrustedProxies int
}

type PostHogConfig struct {
	APIKey string
	Host   string
}

type BFFConfig struct {
	Catalog        CatalogConfig
	Cache          CacheConfig
	PageSize       int
	SearchDebounce time.Duration
	Features       Features
	// FrontendURL is normalized to scheme://host.
	FrontendURL    string
	Supabase       SupabaseConfig
	DataBackend    DataBackend
	DatabaseURL    string
	NATSURL        string
	PostHog        PostHogConfig
	SignOutTimeout time.Duration
	SessionIdleTTL time.Duration
	MaxSessions    int
	CORSOrigins    string
	RateLimit      RateLimitConfig
}

func LoadBFF() (BFFConfig, error) {
	frontend, err := normalizeOrigin(envString("FRONTEND_URL", "http://localhost:3000"))
	if err != nil {
		return BFFConfig{}, err
	}

	backend := DataBackend(strings.ToLower(envString("DATA_BACKEND", string(BackendREST))))
	switch backend {
	case BackendREST, BackendPostgres:
	default:
		return BFFConfig{}, errors.New("DATA_BACKEND must be rest or postgres")
	}
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if backend == BackendPostgres && dbURL == "" {
		return BFFConfig{}, errors.New("DATABASE_URL is required when DATA_BACKEND=postgres")
	}

	rps := envFloat("CATALOG_RPS", 1.5)

	cfg := BFFConfig{
		Catalog: CatalogConfig{
			Endpoint:   strings.TrimRight(envString("CATALOG_ENDPOINT", "https://graphql.anilist.co"), "/"),
			RPS:        rps,
			MaxRetries: envInt("CATALOG_MAX_RETRIES", 2),
			CBFailures: uint32(envInt("CATALOG_CB_FAILURES", 5)),
		},
		Cache: CacheConfig{
			TTL:               envMillis("CACHE_TTL_MS", 300*time.Second),
			RedisURL:          strings.TrimSpace(os.Getenv("CACHE_REDIS_URL")),
			InvalidateSubject: envString("CACHE_INVALIDATE_SUBJECT", "koma.cache.invalidate"),
		},
		PageSize:       envInt("PAGE_SIZE", 30),
		SearchDebounce: envMillis("SEARCH_DEBOUNCE_MS", 300*time.Millisecond),
		Features:       ParseFeatures(os.Getenv("FEATURE_FLAGS")),
		FrontendURL:    frontend,
		Supabase: SupabaseConfig{
			URL:       strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
			Key:       strings.TrimSpace(os.Getenv("SUPABASE_KEY")),
			JWTSecret: []byte(strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET"))),
		},
		DataBackend: backend,
		DatabaseURL: dbURL,
		NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
		PostHog: PostHogConfig{
			APIKey: strings.TrimSpace(os.Getenv("POSTHOG_API_KEY")),
			Host:   strings.TrimSpace(os.Getenv("POSTHOG_HOST")),
		},
		SignOutTimeout: envMillis("SIGN_OUT_TIMEOUT_MS", 4*time.Second),
		SessionIdleTTL: envDuration("SESSION_IDLE_TTL", 30*time.Minute),
		MaxSessions:    envInt("SESSION_MAX", 10000),
		CORSOrigins:    envString("CORS_ALLOWED_ORIGINS", frontend),
		RateLimit: RateLimitConfig{
			RPS:            envFloat("RATE_LIMIT_RPS", 10),
			Burst:          envInt("RATE_LIMIT_BURST", 40),
			TrustedProxies: envInt("TRUSTED_PROXY_HOPS", 0),
		},
	}
	if cfg.RateLimit.TrustedProxies < 0 {
		cfg.RateLimit.TrustedProxies = 0
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cfg.Catalog.MaxRetries < 0 {
		cfg.Catalog.MaxRetries = 0
	}
	if cfg.Catalog.CBFailures == 0 {
		cfg.Catalog.CBFailures = 5
	}
	return cfg, nil
}

// SecureCookies reports whether the frontend is served over https, in which case
// session cookies are marked Secure whatever the inbound connection.
func (c BFFConfig) SecureCookies() bool {
	return strings.HasPrefix(c.FrontendURL, "https://")
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("FRONTEND_URL must be an absolute URL")
	}
	return u.Scheme + "://" + u.Host, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
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

func envMillis(key string, def time.Duration) time.Duration {
	n := envInt(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
