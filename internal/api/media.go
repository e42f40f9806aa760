// media.go: archived clips and species icon management.
package api

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// GetClip streams the archived best clip for a species. download=1 turns
// the response into an attachment.
func (c *Controller) GetClip(ctx echo.Context) error {
	species := strings.TrimSpace(ctx.QueryParam("species"))
	if species == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing species")
	}
	path, ok := c.clips.ClipPath(species)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Clip not found")
	}
	if strings.TrimSpace(ctx.QueryParam("download")) == "1" {
		return ctx.Attachment(path, strings.TrimPrefix(path, c.paths.ClipsDir+"/"))
	}
	ctx.Response().Header().Set(echo.HeaderContentType, "audio/wav")
	return ctx.File(path)
}

// UploadIcon stores a PNG icon for a species from a multipart form.
func (c *Controller) UploadIcon(ctx echo.Context) error {
	species := strings.TrimSpace(ctx.FormValue("species"))
	if species == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Species is required"})
	}
	header, err := ctx.FormFile("icon")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Icon file missing"})
	}
	file, err := header.Open()
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Icon file missing"})
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil || len(payload) == 0 {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Icon file missing"})
	}
	if !bytes.HasPrefix(payload, pngMagic) {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Icon must be a PNG file"})
	}

	filename, err := c.icons.Save(species, payload)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Unable to save icon"})
	}
	c.store.BumpRevision()
	c.snapshots.RefreshLastDetection()
	return ctx.JSON(http.StatusOK, map[string]any{"ok": true, "icon_url": "/data/icons/" + filename})
}

type iconDeleteRequest struct {
	Species string `json:"species"`
}

// DeleteIcon removes a species' icon mapping and file.
func (c *Controller) DeleteIcon(ctx echo.Context) error {
	var request iconDeleteRequest
	if err := ctx.Bind(&request); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid JSON"})
	}
	species := strings.TrimSpace(request.Species)
	if species == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "Species is required"})
	}
	removed := c.icons.Remove(species)
	if removed {
		c.store.BumpRevision()
		c.snapshots.RefreshLastDetection()
	}
	return ctx.JSON(http.StatusOK, map[string]bool{"ok": removed})
}
