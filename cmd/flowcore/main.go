package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowcore/api/handlers"
	"github.com/lyzr/flowcore/api/routes"
	"github.com/lyzr/flowcore/api/service"
	"github.com/lyzr/flowcore/common/bootstrap"
	"github.com/lyzr/flowcore/common/ratelimit"
	"github.com/lyzr/flowcore/core/blueprint"
	"github.com/lyzr/flowcore/core/cache"
	"github.com/lyzr/flowcore/core/engine"
	"github.com/lyzr/flowcore/core/exec"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/registry"
	"github.com/lyzr/flowcore/core/tools"
)

func main() {
	ctx := context.Background()

	// Blueprint persistence and event fanout live in Redis; Postgres is
	// only opened by runs whose memory config asks for a durable backend
	components, err := bootstrap.Setup(ctx, "flowcore", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap flowcore: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	reg := registry.Default()
	if err := tools.RegisterBuiltins(reg); err != nil {
		components.Logger.Error("register builtin tools", "error", err)
		os.Exit(1)
	}

	eng, err := buildEngine(components, reg)
	if err != nil {
		components.Logger.Error("build engine", "error", err)
		os.Exit(1)
	}

	store := blueprint.NewRedisStore(components.Redis)
	runs := service.NewRunManager(eng, components.Logger)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, components, store, reg, runs)

	startServer(e, components)
}

// buildEngine assembles the dispatcher and engine from configured defaults
func buildEngine(components *bootstrap.Components, reg *registry.Registry) (*engine.Engine, error) {
	var provider llm.Provider
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		provider = llm.NewOpenAI(key, os.Getenv("OPENAI_BASE_URL"))
	}

	dispatcher := exec.New(exec.Opts{
		Logger:   components.Logger,
		Cache:    cache.NewMemoryCache(components.Logger),
		CacheTTL: 15 * time.Minute,
	})

	return engine.New(engine.Opts{
		Logger:       components.Logger,
		Registry:     reg,
		Dispatcher:   dispatcher,
		Provider:     provider,
		MaxParallel:  int64(components.Config.Engine.MaxParallel),
		TokenCeiling: int64(components.Config.Engine.TokenCeiling),
		DepthCeiling: components.Config.Engine.DepthCeiling,
	})
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "flowcore",
		})
	})
}

// registerRoutes registers all application routes
func registerRoutes(e *echo.Echo, components *bootstrap.Components, store blueprint.Store, reg *registry.Registry, runs *service.RunManager) {
	limiter := ratelimit.New(components.Redis.GetUnderlying(), components.Logger)
	routes.RegisterBlueprintRoutes(e, handlers.NewBlueprintHandler(store, reg, components.Logger))
	routes.RegisterRunRoutes(e, handlers.NewRunHandler(runs, store, limiter, components.Logger))
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting flowcore", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
