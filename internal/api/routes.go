// routes.go - Route registration
package api

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers all API routes with the Echo instance.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	apiGroup := e.Group("/api")

	// Health and UI defaults
	apiGroup.GET("/health", h.HandleHealth)
	apiGroup.GET("/config/defaults", h.HandleGetDefaults)

	// Single image processing
	apiGroup.POST("/harmonise", h.HandleHarmonise)

	// Batch processing
	apiGroup.POST("/batch", h.HandleStartBatch)
	apiGroup.GET("/batch/recent", h.HandleRecentBatches)
	apiGroup.GET("/batch/:jobId/status", h.HandleBatchStatus)
	apiGroup.GET("/batch/:jobId/progress", h.HandleBatchProgressStream)
	apiGroup.GET("/ws/batch/:jobId", h.HandleBatchWS)

	// Gallery
	apiGroup.GET("/gallery/images", h.HandleGalleryImages)
	apiGroup.GET("/gallery/images/msgpack", h.HandleGalleryImagesMsgpack)
	apiGroup.GET("/gallery/images/:filename", h.HandleGetImage)
	apiGroup.GET("/gallery/images/:filename/meta", h.HandleGetImageMeta)
	apiGroup.DELETE("/gallery/images/:filename", h.HandleDeleteImage)

	// Batch archive downloads
	apiGroup.GET("/zips/:filename", h.HandleDownloadZip)
}
