package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/domain/pipeline"
	"github.com/clinic/clinic/internal/platform/artifact"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/websocket"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
	minFreeBytes   = 256 << 20
)

type serverDeps struct {
	pool  *pgxpool.Pool
	store artifact.Store
}

// newServer builds the echo instance with the middleware chain, health
// probes and every API route registered.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var reg *metrics.Registry
	if cfg.MetricsEnabled {
		reg = metrics.New()
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", uploadLimit(cfg.ArtifactMaxBytes)))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(middleware.Metrics(reg))

	if cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" && cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.pool))
	e.GET("/health/storage", artifact.HealthHandler(cfg.ArtifactDir, minFreeBytes))
	if reg != nil {
		e.GET("/metrics", reg.Handler())
	}

	apiV1 := e.Group("/api/v1", db.ConnMiddleware(deps.pool))

	patients := patient.NewService(
		patient.NewRepo(deps.pool),
		patient.WithArtifacts(deps.store),
		patient.WithLogger(logger),
	)
	patient.NewHandler(patients).RegisterRoutes(apiV1)

	hub := websocket.NewHub(logger, pipeline.Topics()...)
	svc := pipeline.NewService(
		pipeline.NewRepo(deps.pool),
		db.NewTransactor(deps.pool),
		deps.store,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(reg),
		pipeline.WithPublisher(hub),
	)
	pipeline.NewHandler(svc).RegisterRoutes(apiV1)

	// The event feed holds its connection open, so it stays off the
	// per-request database connection.
	events := e.Group("/api/v1", auth.RequireRole(auth.StaffRoles...))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(events)

	return e
}

// uploadLimit allows a multipart batch a few artifacts plus form overhead.
func uploadLimit(maxArtifact int64) string {
	const batch = 8
	return strconv.FormatInt(maxArtifact*batch+1<<20, 10)
}
