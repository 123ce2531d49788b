// handlers_batch.go - Batch processing handlers
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kontext-harmonise/backend/internal/batch"
)

// HandleStartBatch accepts a zip archive of images and starts an async job.
func (h *Handler) HandleStartBatch(c echo.Context) error {
	file, err := c.FormFile("zip")
	if err != nil {
		return NewBadRequestError("no zip file provided", err)
	}
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".zip") {
		return NewBadRequestError("expected a .zip archive", nil)
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

	// Stage the archive so the job outlives the request.
	info, err := h.store.Save(file.Filename, src)
	if err != nil {
		return NewInternalError("failed to save uploaded file", err)
	}

	zipPath, err := h.store.GetFilePath(info.ID)
	if err != nil {
		return NewInternalError("failed to locate uploaded file", err)
	}

	// The staged archive is released once the job finishes.
	job := h.batchMgr.StartJob(zipPath, file.Filename, params, func() {
		if err := h.store.Delete(info.ID); err != nil {
			fmt.Printf("Failed to remove staged upload %s: %v\n", info.ID, err)
		}
	})

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleBatchStatus returns the current state of a batch job.
func (h *Handler) HandleBatchStatus(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	job, ok := h.batchMgr.GetJob(id)
	if !ok {
		return NewNotFoundError("batch job", id)
	}

	return c.JSON(http.StatusOK, job)
}

// HandleBatchProgressStream streams batch job progress via SSE until the job
// finishes or the stream times out.
func (h *Handler) HandleBatchProgressStream(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	job, ok := h.batchMgr.GetJob(id)
	if !ok {
		h.sendSSEError(c, "job not found")
		return nil
	}
	h.sendSSEData(c, job)
	if job.Status == batch.StatusComplete || job.Status == batch.StatusError {
		return nil
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.NewTimer(time.Duration(h.cfg.Processing.JobTimeoutMinutes) * time.Minute)
	defer timeout.Stop()

	for {
		select {
		case <-ticker.C:
			job, ok := h.batchMgr.GetJob(id)
			if !ok {
				h.sendSSEError(c, "job not found")
				return nil
			}
			h.sendSSEData(c, job)
			if job.Status == batch.StatusComplete || job.Status == batch.StatusError {
				return nil
			}
		case <-timeout.C:
			h.sendSSEError(c, "progress stream timed out")
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// HandleRecentBatches returns recent batch archive records.
func (h *Handler) HandleRecentBatches(c echo.Context) error {
	return c.JSON(http.StatusOK, h.lib.RecentZips(h.cfg.Processing.ZipGalleryLimit))
}

// HandleDownloadZip serves a batch archive by filename.
func (h *Handler) HandleDownloadZip(c echo.Context) error {
	filename := c.Param("filename")
	if filename == "" {
		return NewValidationError("filename")
	}

	rec, ok := h.lib.GetZip(filename)
	if !ok {
		return NewNotFoundError("zip", filename)
	}

	return c.Attachment(rec.FilePath, rec.Filename)
}

// sendSSEData writes one JSON data event to the stream.
func (h *Handler) sendSSEData(c echo.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
}

// sendSSEError writes one error event to the stream.
func (h *Handler) sendSSEError(c echo.Context, msg string) {
	fmt.Fprintf(c.Response(), "event: error\ndata: %q\n\n", msg)
	c.Response().Flush()
}
