// settings.go: settings, input enumeration, queue depth and restart
// endpoints.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/featherfront/internal/capture"
	"github.com/tphakala/featherfront/internal/datastore"
)

// GetSettings returns the current settings snapshot, password hash
// excluded.
func (c *Controller) GetSettings(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.cfg.Snapshot())
}

// UpdateSettings applies a partial settings update and reports which keys
// changed.
func (c *Controller) UpdateSettings(ctx echo.Context) error {
	var updates map[string]any
	if err := ctx.Bind(&updates); err != nil || updates == nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid JSON"})
	}
	changed := c.cfg.ApplyUpdates(updates)
	return ctx.JSON(http.StatusOK, map[string]any{"ok": true, "changed": changed})
}

// GetWeatherSettings serves the weather widget's minimal configuration.
func (c *Controller) GetWeatherSettings(ctx echo.Context) error {
	snap := c.cfg.Snapshot()
	return ctx.JSON(http.StatusOK, map[string]string{
		"weather_location": snap.WeatherLocation,
		"weather_unit":     snap.WeatherUnit,
	})
}

// ListInputs enumerates the selectable audio capture devices.
func (c *Controller) ListInputs(ctx echo.Context) error {
	devices, errMessage := capture.ListAudioInputs(ctx.Request().Context())
	if devices == nil {
		devices = []capture.Device{}
	}
	response := map[string]any{"devices": devices, "error": nil}
	if errMessage != "" {
		response["error"] = errMessage
	}
	return ctx.JSON(http.StatusOK, response)
}

// GetQueue reports how many captured segments are waiting on disk.
func (c *Controller) GetQueue(ctx echo.Context) error {
	pending := 0
	if matches, err := filepath.Glob(filepath.Join(c.paths.SegmentDir, "segment_*.wav")); err == nil {
		pending = len(matches)
	}
	return ctx.JSON(http.StatusOK, map[string]int{"pending": pending})
}

// RestartCapture signals the capture supervisor to restart ffmpeg.
func (c *Controller) RestartCapture(ctx echo.Context) error {
	c.cfg.SignalCaptureRestart()
	c.events.Emit(datastore.EventServer, "Capture restart requested", nil)
	return ctx.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// RestartServer acknowledges the request and then replaces the process.
func (c *Controller) RestartServer(ctx echo.Context) error {
	c.events.Emit(datastore.EventServer, "Server restart requested", nil)
	restart := c.restartServer
	go func() {
		// Let the response flush before the process is replaced.
		time.Sleep(200 * time.Millisecond)
		restart()
	}()
	return ctx.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func restartProcess() {
	executable, err := os.Executable()
	if err != nil {
		return
	}
	_ = syscall.Exec(executable, os.Args, os.Environ())
}
