// handlers_gallery.go - Gallery listing and image serving handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// HandleGalleryImages returns recent image records, newest first.
func (h *Handler) HandleGalleryImages(c echo.Context) error {
	return c.JSON(http.StatusOK, h.lib.Recent(h.galleryLimit(c)))
}

// HandleGalleryImagesMsgpack returns the same listing msgpack-encoded, for
// clients pulling large galleries.
func (h *Handler) HandleGalleryImagesMsgpack(c echo.Context) error {
	records := h.lib.Recent(h.galleryLimit(c))

	data, err := msgpack.Marshal(records)
	if err != nil {
		return NewInternalError("failed to encode gallery", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetImage serves a result image file by filename.
func (h *Handler) HandleGetImage(c echo.Context) error {
	filename := c.Param("filename")
	if filename == "" {
		return NewValidationError("filename")
	}

	path, ok := h.lib.ImagePath(filename)
	if !ok {
		return NewNotFoundError("image", filename)
	}

	return c.File(path)
}

// HandleGetImageMeta returns the metadata record for a result image.
func (h *Handler) HandleGetImageMeta(c echo.Context) error {
	filename := c.Param("filename")
	if filename == "" {
		return NewValidationError("filename")
	}

	rec, ok := h.lib.Get(filename)
	if !ok {
		return NewNotFoundError("image", filename)
	}

	return c.JSON(http.StatusOK, rec)
}

// HandleDeleteImage removes a result image and its metadata record.
func (h *Handler) HandleDeleteImage(c echo.Context) error {
	if !h.cfg.Security.AllowFileDeletion {
		return NewForbiddenError("file deletion is disabled")
	}

	filename := c.Param("filename")
	if filename == "" {
		return NewValidationError("filename")
	}

	if err := h.lib.Delete(filename); err != nil {
		return NewNotFoundError("image", filename)
	}

	return c.NoContent(http.StatusNoContent)
}

// galleryLimit reads the optional limit query parameter.
func (h *Handler) galleryLimit(c echo.Context) int {
	limit := h.cfg.Processing.GalleryLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}
