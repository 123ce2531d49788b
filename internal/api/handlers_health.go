// handlers_health.go - Health check and UI config handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// HandleGetDefaults returns the default generation parameters so the UI can
// show placeholders and ranges.
func (h *Handler) HandleGetDefaults(c echo.Context) error {
	inf := h.cfg.Inference
	return c.JSON(http.StatusOK, map[string]interface{}{
		"defaultPrompt":     inf.DefaultPrompt,
		"numInferenceSteps": inf.NumInferenceSteps,
		"guidanceScale":     inf.GuidanceScale,
		"outputFormat":      inf.OutputFormat,
		"maxBatchSize":      h.cfg.Processing.MaxBatchSize,
		"supportedFormats":  h.cfg.Processing.SupportedExtensions,
	})
}
