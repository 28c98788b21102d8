package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ghlogin/cfg"
	"ghlogin/internal/auth"
	"ghlogin/internal/user"
	"ghlogin/pkg/cache"
	"ghlogin/pkg/db"
	"ghlogin/pkg/idgen"
	"ghlogin/pkg/logger"
	"ghlogin/pkg/oauth2"
	"ghlogin/pkg/session"
	"ghlogin/pkg/tokencipher"

	_ "ghlogin/cmd/server/docs" // swagger docs

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	xoauth2 "golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// @title           GitHub Login API
// @version         1.0
// @description     GitHub OAuth2 login with encrypted token storage and server-side sessions.
// @BasePath        /
// @schemes         http
func main() {
	// ============
	// config
	// ============
	config, errCfg := cfg.Load()
	if errCfg != nil {
		log.Fatal(errCfg)
	}

	// ============
	// logger
	// ============
	zlogger := logger.NewZeroLog(config.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ============
	// Otel
	// ============
	if config.Observability.Enabled() {
		shutdownOtel, err := initOtel(ctx, &config.Observability, zlogger)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOtel(ctx); err != nil {
				zlogger.Error("failed to shutdown OpenTelemetry", logger.Err(err))
			}
		}()
	}

	// =========
	// Migrate
	// =========
	if err := db.Migrate(config.DB.Driver, config.DB.DSN); err != nil {
		log.Fatal(err)
	}

	// ============
	// Init DB client
	// ============
	client, err := db.NewSQLClient(ctx, config.DB.Driver, config.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	// ============
	// Cache
	// ============
	var sessionCache cache.Cache
	if config.Redis.Enabled() {
		sessionCache, err = cache.NewRedisCache(ctx, config.Redis.Addr(), config.Redis.Password)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		zlogger.Warn("REDIS_HOST not set, sessions are kept in process memory")
		sessionCache = cache.NewMemoryCache(time.Minute)
	}
	defer sessionCache.Close()

	// ============
	// Crypto, ids
	// ============
	cipher, err := tokencipher.NewFromBase64(config.TokenEncryptionKey)
	if err != nil {
		log.Fatal(err)
	}

	ids, err := idgen.NewSnowflakeGenerator(config.SnowflakeNodeID)
	if err != nil {
		log.Fatal(err)
	}

	// ============
	// Oauth2
	// ============
	githubCfg := oauth2.GitHubConfig{
		ClientID:     config.GitHub.ClientID,
		ClientSecret: config.GitHub.ClientSecret,
		RedirectURL:  config.GitHub.RedirectURL,
		APIURL:       config.GitHub.APIURL,
	}
	if config.GitHub.BaseURL != "" {
		githubCfg.Endpoint = xoauth2.Endpoint{
			AuthURL:  config.GitHub.BaseURL + "/login/oauth/authorize",
			TokenURL: config.GitHub.BaseURL + "/login/oauth/access_token",
		}
		zlogger.Warn("using non-default GitHub endpoints", logger.Field{Key: "base_url", Value: config.GitHub.BaseURL})
	}
	github := oauth2.NewGitHubOAuth2Provider(githubCfg)

	// ============
	// Inernal Service
	// ============
	sessions := session.NewIssuer(sessionCache, config.SessionTTL)
	authSvc := auth.NewService(github, cipher, user.NewStore(client), sessions, ids, zlogger)
	authHandler := auth.NewHandler(authSvc, auth.CookieConfig{
		Name:   "auth_session",
		Secure: config.AppEnv == "production",
		MaxAge: sessions.TTL(),
	}, "/")

	// ============
	// HTTP
	// ============
	if config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(config.Observability.ServiceName))
	r.Use(auth.RequestLoggerMiddleware(zlogger))

	authHandler.RegisterRoutes(r)
	initSwagger(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.AppPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlogger.Info("server listening", logger.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlogger.Error("server stopped", logger.Err(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlogger.Error("failed to shutdown server", logger.Err(err))
	}
}

func initSwagger(r *gin.Engine) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		html := `<!DOCTYPE html>
<html>
<head>
    <title>API Documentation</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
</head>
<body>
    <script id="api-reference" data-url="/swagger/doc.json"></script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body>
</html>`
		c.String(200, html)
	})
}

// initOtel initializes OpenTelemetry tracer and meter with OTLP exporter
func initOtel(ctx context.Context, config *cfg.ObservabilityConfig, log logger.Logger) (func(context.Context) error, error) {
	conn, err := grpc.NewClient(
		config.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info("OpenTelemetry initialized - sending to OTLP collector",
		logger.Field{Key: "otlp_endpoint", Value: config.OTLPEndpoint},
	)

	shutdown := func(ctx context.Context) error {
		var errs []error

		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown failed: %w", err))
		}

		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown failed: %w", err))
		}

		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("collector connection close failed: %w", err))
		}

		return errors.Join(errs...)
	}

	return shutdown, nil
}
