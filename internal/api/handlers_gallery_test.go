// handlers_gallery_test.go - Tests for gallery handlers
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/library"
	"github.com/kontext-harmonise/backend/internal/models"
	"github.com/kontext-harmonise/backend/internal/testutil"
)

// galleryTestHandler builds a handler over a real library seeded with n images.
func galleryTestHandler(t *testing.T, n int) (*Handler, *library.Library) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.FALKey = "test"

	dir := t.TempDir()
	lib, err := library.New(dir, filepath.Join(dir, "zip_downloads"), "png")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := lib.SaveResult(testutil.MakeTestPNG(4, 4), "orig.png", "a prompt", "")
		require.NoError(t, err)
	}

	h := NewHandler(cfg, testutil.NewMockStorage(), lib, &fakeProcessor{}, &fakeBatchManager{})
	return h, lib
}

func TestHandleGalleryImages(t *testing.T) {
	h, _ := galleryTestHandler(t, 3)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/gallery/images", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.HandleGalleryImages(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var records []models.ImageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 3)
	// Newest first.
	assert.Equal(t, "00003.png", records[0].Filename)
}

func TestHandleGalleryImages_LimitParam(t *testing.T) {
	h, _ := galleryTestHandler(t, 5)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/gallery/images?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.HandleGalleryImages(c))

	var records []models.ImageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 2)
}

func TestHandleGalleryImagesMsgpack(t *testing.T) {
	h, _ := galleryTestHandler(t, 2)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/gallery/images/msgpack", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.HandleGalleryImagesMsgpack(c))
	assert.Equal(t, "application/msgpack", rec.Header().Get("Content-Type"))

	var records []models.ImageRecord
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 2)
}

func TestHandleGetImage(t *testing.T) {
	h, _ := galleryTestHandler(t, 1)

	t.Run("existing image", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("filename")
		c.SetParamValues("00001.png")

		require.NoError(t, h.HandleGetImage(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotZero(t, rec.Body.Len(), "expected image bytes in response")
	})

	t.Run("missing image", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("filename")
		c.SetParamValues("99999.png")

		err := h.HandleGetImage(c)
		apiErr, ok := err.(*APIError)
		require.True(t, ok, "expected APIError, got %v", err)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})
}

func TestHandleGetImageMeta(t *testing.T) {
	h, _ := galleryTestHandler(t, 1)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("filename")
	c.SetParamValues("00001.png")

	require.NoError(t, h.HandleGetImageMeta(c))

	var record models.ImageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "orig.png", record.OriginalFilename)
	assert.Equal(t, "a prompt", record.Prompt)
}

func TestHandleDeleteImage(t *testing.T) {
	t.Run("deletion disabled", func(t *testing.T) {
		h, _ := galleryTestHandler(t, 1)
		h.cfg.Security.AllowFileDeletion = false

		e := echo.New()
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("filename")
		c.SetParamValues("00001.png")

		err := h.HandleDeleteImage(c)
		apiErr, ok := err.(*APIError)
		require.True(t, ok, "expected APIError, got %v", err)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
	})

	t.Run("deletion enabled", func(t *testing.T) {
		h, lib := galleryTestHandler(t, 1)
		h.cfg.Security.AllowFileDeletion = true

		e := echo.New()
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("filename")
		c.SetParamValues("00001.png")

		require.NoError(t, h.HandleDeleteImage(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Zero(t, lib.Count(), "expected empty library")
	})
}
