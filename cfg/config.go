package cfg

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DBConfig struct {
	Driver string
	DSN    string
}

// RedisConfig is optional. An empty Host selects the in-process session cache.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// GitHubConfig points at github.com unless BaseURL/APIURL are set, which is
// how local runs reach the mock server.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
	APIURL       string
}

type ObservabilityConfig struct {
	OTLPEndpoint string
	ServiceName  string
	Environment  string
}

func (o ObservabilityConfig) Enabled() bool {
	return o.OTLPEndpoint != ""
}

type Config struct {
	AppEnv             string
	AppPort            string
	DB                 DBConfig
	Redis              RedisConfig
	GitHub             GitHubConfig
	TokenEncryptionKey string
	SessionTTL         time.Duration
	SnowflakeNodeID    int64
	Observability      ObservabilityConfig
}

// Load reads .env when present, then the process environment. Every missing
// or malformed variable is reported in one joined error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("failed load cfg: " + err.Error())
	}

	var errs []error

	appEnv := mustEnv("APP_ENV", &errs)
	appPort := mustEnv("APP_PORT", &errs)

	dbDriver := mustEnv("DB_DRIVER", &errs)
	if dbDriver != "" && dbDriver != "postgres" && dbDriver != "sqlite" {
		errs = append(errs, errors.New("invalid env: DB_DRIVER must be postgres or sqlite"))
	}
	dbDSN := mustEnv("DB_DSN", &errs)

	redisHost := os.Getenv("REDIS_HOST")
	redisPort := os.Getenv("REDIS_PORT")
	if redisHost != "" && redisPort == "" {
		errs = append(errs, errors.New("missing env: REDIS_PORT"))
	}

	githubClientID := mustEnv("GITHUB_CLIENT_ID", &errs)
	githubClientSecret := mustEnv("GITHUB_CLIENT_SECRET", &errs)
	githubRedirectURL := mustEnv("GITHUB_REDIRECT_URL", &errs)

	tokenKey := mustEnv("TOKEN_ENCRYPTION_KEY", &errs)
	sessionTTLHours := mustInt("SESSION_TTL_HOURS", &errs)
	if sessionTTLHours <= 0 {
		errs = append(errs, errors.New("invalid env: SESSION_TTL_HOURS must be positive"))
	}
	snowflakeNodeID := mustInt("SNOWFLAKE_NODE_ID", &errs)

	serviceName := mustEnv("SERVICE_NAME", &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Config{
		AppEnv:  appEnv,
		AppPort: appPort,
		DB: DBConfig{
			Driver: dbDriver,
			DSN:    dbDSN,
		},
		Redis: RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		GitHub: GitHubConfig{
			ClientID:     githubClientID,
			ClientSecret: githubClientSecret,
			RedirectURL:  githubRedirectURL,
			BaseURL:      strings.TrimRight(os.Getenv("GITHUB_BASE_URL"), "/"),
			APIURL:       os.Getenv("GITHUB_API_URL"),
		},
		TokenEncryptionKey: tokenKey,
		SessionTTL:         time.Duration(sessionTTLHours) * time.Hour,
		SnowflakeNodeID:    int64(snowflakeNodeID),
		Observability: ObservabilityConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  serviceName,
			Environment:  appEnv,
		},
	}, nil
}

func mustEnv(key string, errs *[]error) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		*errs = append(*errs, errors.New("missing env: "+key))
	}
	return value
}

func mustInt(key string, errs *[]error) int {
	value := mustEnv(key, errs)
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, errors.New("conversion failed env: "+key))
	}
	return n
}
