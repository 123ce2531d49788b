// handlers_harmonise.go - Single image processing handler
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kontext-harmonise/backend/internal/fal"
)

// HandleHarmonise accepts a single image as multipart/form-data, forwards it
// to the inference endpoint and returns the saved result record.
func (h *Handler) HandleHarmonise(c echo.Context) error {
	file, err := c.FormFile("image")
	if err != nil {
		return NewBadRequestError("no image provided", err)
	}

	if !h.cfg.IsSupportedImage(file.Filename) {
		return NewBadRequestError("unsupported image format: "+file.Filename, nil)
	}

	params, err := paramsFromForm(c)
	if err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return NewInternalError("failed to read uploaded file", err)
	}

	record, err := h.processor.Process(c.Request().Context(), data, file.Filename, params)
	if err != nil {
		var statusErr *fal.APIStatusError
		if errors.As(err, &statusErr) || fal.IsSizeError(err) {
			return NewUpstreamError("inference request failed", err)
		}
		return NewInternalError("failed to process image", err)
	}

	return c.JSON(http.StatusCreated, record)
}

// paramsFromForm reads optional generation parameter overrides.
func paramsFromForm(c echo.Context) (fal.Params, error) {
	params := fal.Params{Prompt: c.FormValue("prompt")}

	if v := c.FormValue("steps"); v != "" {
		steps, err := strconv.Atoi(v)
		if err != nil || steps < 10 || steps > 50 {
			return params, NewValidationError("steps")
		}
		params.Steps = steps
	}

	if v := c.FormValue("guidance"); v != "" {
		guidance, err := strconv.ParseFloat(v, 64)
		if err != nil || guidance < 0 || guidance > 20 {
			return params, NewValidationError("guidance")
		}
		params.GuidanceScale = &guidance
	}

	return params, nil
}
