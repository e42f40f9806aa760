// log.go: detection log, operational events and the derived views.
package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/model"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
)

// parseLimit clamps the limit query parameter to [0, 1000], defaulting to
// 200 on missing or invalid input.
func parseLimit(ctx echo.Context) int {
	raw := ctx.QueryParam("limit")
	limit, err := strconv.Atoi(raw)
	if raw == "" || err != nil {
		limit = defaultLogLimit
	}
	return max(0, min(maxLogLimit, limit))
}

// GetLog returns the most recent detections in chronological order.
func (c *Controller) GetLog(ctx echo.Context) error {
	entries := c.store.ReadDetections(parseLimit(ctx))
	return ctx.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// GetEvents returns the most recent operational events in chronological
// order.
func (c *Controller) GetEvents(ctx echo.Context) error {
	entries := c.store.ReadEvents(parseLimit(ctx))
	return ctx.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// GetLogSummary serves the per-species aggregate.
func (c *Controller) GetLogSummary(ctx echo.Context) error {
	payload := c.store.Summarize(c.icons.URLFor, c.clips.ClipFor)
	return ctx.Blob(http.StatusOK, echo.MIMEApplicationJSON, payload)
}

// GetLogActivity serves the half-hour activity histogram.
func (c *Controller) GetLogActivity(ctx echo.Context) error {
	days := 7
	if raw := ctx.QueryParam("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			days = parsed
		}
	}
	return ctx.JSON(http.StatusOK, c.store.ActivityCurve(days))
}

// GetLogCSV exports the full detection log as a CSV attachment.
func (c *Controller) GetLogCSV(ctx echo.Context) error {
	entries := c.store.ReadDetections(-1)

	var builder strings.Builder
	writer := csv.NewWriter(&builder)
	_ = writer.Write([]string{"timestamp", "species", "scientific_name", "confidence", "location", "id"})
	for i := range entries {
		confidence := ""
		if entries[i].Confidence != nil {
			confidence = strconv.FormatFloat(*entries[i].Confidence, 'g', -1, 64)
		}
		_ = writer.Write([]string{
			entries[i].Timestamp,
			entries[i].Species,
			entries[i].ScientificName,
			confidence,
			entries[i].Location,
			entries[i].ID,
		})
	}
	writer.Flush()

	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="birdnet_detections.csv"`)
	return ctx.Blob(http.StatusOK, "text/csv; charset=utf-8", []byte(builder.String()))
}

type manualEntryRequest struct {
	Species        string `json:"species"`
	ScientificName string `json:"scientific_name"`
	Confidence     any    `json:"confidence"`
	Timestamp      string `json:"timestamp"`
}

// AddLogEntry records a manually observed detection.
func (c *Controller) AddLogEntry(ctx echo.Context) error {
	var request manualEntryRequest
	if err := ctx.Bind(&request); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid JSON"})
	}
	species := strings.TrimSpace(request.Species)
	if species == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Species is required"})
	}

	snap := c.cfg.Snapshot()
	entry := datastore.DetectionRecord{
		ID:             model.NewID(),
		Timestamp:      model.NormalizeTimestamp(request.Timestamp),
		Species:        species,
		ScientificName: strings.TrimSpace(request.ScientificName),
		Confidence:     model.NormalizeConfidence(request.Confidence),
		Location:       snap.Location,
	}
	if err := c.store.AppendDetections([]datastore.DetectionRecord{entry}); err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "Unable to save entry"})
	}
	c.events.Emit(datastore.EventManual, "Manual entry "+species, map[string]any{
		"species":         species,
		"scientific_name": entry.ScientificName,
		"confidence":      entry.Confidence,
	})
	return ctx.JSON(http.StatusOK, map[string]any{"ok": true, "entry": entry})
}

type deleteEntryRequest struct {
	ID string `json:"id"`
}

// DeleteLogEntry removes one detection by id.
func (c *Controller) DeleteLogEntry(ctx echo.Context) error {
	var request deleteEntryRequest
	if err := ctx.Bind(&request); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid JSON"})
	}
	id := strings.TrimSpace(request.ID)
	if id == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Missing id"})
	}
	removed, err := c.store.DeleteDetection(id)
	if err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "Unable to delete entry"})
	}
	if removed {
		c.snapshots.RefreshLastDetection()
	}
	return ctx.JSON(http.StatusOK, map[string]bool{"ok": removed})
}
