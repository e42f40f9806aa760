// Package api exposes the HTTP surface: overlay status, settings, the
// detection log and its derived views, clips, icons and static assets.
package api

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/featherfront/internal/clips"
	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/icons"
	"github.com/tphakala/featherfront/internal/logging"
	"github.com/tphakala/featherfront/internal/snapshot"
)

// Controller wires the HTTP handlers to the pipeline components.
type Controller struct {
	Echo      *echo.Echo
	cfg       *conf.Config
	store     *datastore.Store
	events    *events.Logger
	snapshots *snapshot.Manager
	clips     *clips.Manager
	icons     *icons.Resolver
	paths     conf.Paths
	logger    *slog.Logger

	// restartServer is swapped out in tests; the default re-executes the
	// process.
	restartServer func()
}

// Option configures the Controller.
type Option func(*Controller)

// WithRestartFunc overrides the process-restart action.
func WithRestartFunc(fn func()) Option {
	return func(c *Controller) {
		c.restartServer = fn
	}
}

// New creates the controller and registers all routes on a fresh echo
// instance.
func New(cfg *conf.Config, store *datastore.Store, eventLog *events.Logger, snapshots *snapshot.Manager, clipArchive *clips.Manager, iconResolver *icons.Resolver, opts ...Option) *Controller {
	c := &Controller{
		Echo:          echo.New(),
		cfg:           cfg,
		store:         store,
		events:        eventLog,
		snapshots:     snapshots,
		clips:         clipArchive,
		icons:         iconResolver,
		paths:         cfg.Paths(),
		logger:        logging.ForService("api"),
		restartServer: restartProcess,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Echo.HideBanner = true
	c.Echo.HidePort = true
	c.Echo.Use(middleware.Recover())
	c.Echo.Use(c.cacheControl)
	c.Echo.Use(c.basicAuth)
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	e := c.Echo

	e.GET("/api/status", c.GetStatus)
	e.GET("/api/settings", c.GetSettings)
	e.POST("/api/settings", c.UpdateSettings)
	e.GET("/api/weather/settings", c.GetWeatherSettings)
	e.GET("/api/inputs", c.ListInputs)
	e.GET("/api/queue", c.GetQueue)
	e.GET("/api/log", c.GetLog)
	e.POST("/api/log/add", c.AddLogEntry)
	e.POST("/api/log/delete", c.DeleteLogEntry)
	e.GET("/api/log/csv", c.GetLogCSV)
	e.GET("/api/log/summary", c.GetLogSummary)
	e.GET("/api/log/activity", c.GetLogActivity)
	e.GET("/api/events", c.GetEvents)
	e.GET("/api/clip", c.GetClip)
	e.POST("/api/icon/upload", c.UploadIcon)
	e.POST("/api/icon/delete", c.DeleteIcon)
	e.POST("/api/restart", c.RestartCapture)
	e.POST("/api/restart/server", c.RestartServer)

	e.GET("/settings", func(ctx echo.Context) error {
		return ctx.File(filepath.Join(c.paths.Root, "settings.html"))
	})
	e.GET("/weather", func(ctx echo.Context) error {
		return ctx.File(filepath.Join(c.paths.Root, "weather", "index.html"))
	})
	e.Static("/data/icons", c.paths.IconsDir)
	e.Static("/", c.paths.Root)
}

// cacheControl disables caching for the API and the state file, and opens
// the weather settings endpoint to cross-origin widgets.
func (c *Controller) cacheControl(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		path := ctx.Request().URL.Path
		if strings.HasPrefix(path, "/api/") || strings.HasSuffix(path, ".json") {
			ctx.Response().Header().Set("Cache-Control", "no-store, max-age=0")
		}
		if strings.HasPrefix(path, "/api/weather/settings") {
			ctx.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
		}
		return next(ctx)
	}
}

// requiresAuth reports whether the path is behind the settings password.
// The overlay surface and the weather widget stay public so the stream
// renderer never needs credentials.
func requiresAuth(path string) bool {
	switch {
	case strings.HasPrefix(path, "/api/status"),
		strings.HasPrefix(path, "/api/weather/settings"),
		strings.HasPrefix(path, "/weather/"),
		path == "/weather",
		strings.HasPrefix(path, "/data/icons/"):
		return false
	}
	switch path {
	case "/", "/index.html", "/app.js", "/styles.css":
		return false
	case "/settings", "/settings/", "/settings.html", "/settings.js", "/settings.css":
		return true
	}
	return strings.HasPrefix(path, "/api/")
}

// basicAuth gates the settings surface with HTTP basic auth when a
// password is configured.
func (c *Controller) basicAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if !requiresAuth(ctx.Request().URL.Path) {
			return next(ctx)
		}
		enabled, user, passwordHash := c.cfg.AuthCredentials()
		if !enabled {
			return next(ctx)
		}
		reqUser, reqPassword, ok := ctx.Request().BasicAuth()
		if ok && conf.ConstantTimeEquals(reqUser, user) && conf.VerifyPassword(reqPassword, passwordHash) {
			return next(ctx)
		}
		ctx.Response().Header().Set("WWW-Authenticate", `Basic realm="Feather Front Settings"`)
		return ctx.NoContent(http.StatusUnauthorized)
	}
}

// GetStatus serves the overlay state file as-is.
func (c *Controller) GetStatus(ctx echo.Context) error {
	raw, err := c.snapshots.Raw()
	if err != nil {
		return ctx.JSON(http.StatusOK, map[string]any{})
	}
	return ctx.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}
