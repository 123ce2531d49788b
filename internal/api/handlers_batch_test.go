// handlers_batch_test.go - Tests for batch processing handlers
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontext-harmonise/backend/internal/batch"
	"github.com/kontext-harmonise/backend/internal/testutil"
)

func TestHandleStartBatch(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		filename   string
		wantStatus int
		wantErr    bool
		errCode    string
	}{
		{
			name:       "valid zip",
			field:      "zip",
			filename:   "photos.zip",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "wrong form field",
			field:      "archive",
			filename:   "photos.zip",
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "not a zip",
			field:      "zip",
			filename:   "photos.tar.gz",
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeBatchManager{job: &batch.Job{ID: "job-1", Status: batch.StatusPending}}
			h := newTestHandler(t, &fakeProcessor{}, mgr)

			content := testutil.MakeTestZip(map[string][]byte{"a.png": testutil.MakeTestPNG(4, 4)})
			body, contentType := multipartBody(t, tt.field, tt.filename, content, nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/batch", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := h.HandleStartBatch(c)

			if tt.wantErr {
				require.Error(t, err)
				apiErr, ok := err.(*APIError)
				require.True(t, ok, "expected APIError, got %T", err)
				assert.Equal(t, tt.wantStatus, apiErr.Status)
				assert.Equal(t, tt.errCode, apiErr.Code)
				assert.False(t, mgr.started, "job should not have been started")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.True(t, mgr.started, "expected job to be started")

			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "job-1", resp["jobId"])
		})
	}
}

func TestHandleStartBatch_ReleasesStagedUpload(t *testing.T) {
	mgr := &fakeBatchManager{job: &batch.Job{ID: "job-1", Status: batch.StatusPending}}
	h := newTestHandler(t, &fakeProcessor{}, mgr)
	store := h.store.(*testutil.MockStorage)

	content := testutil.MakeTestZip(map[string][]byte{"a.png": testutil.MakeTestPNG(4, 4)})
	body, contentType := multipartBody(t, "zip", "photos.zip", content, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batch", body)
	req.Header.Set("Content-Type", contentType)
	c := e.NewContext(req, httptest.NewRecorder())

	require.NoError(t, h.HandleStartBatch(c))

	staged, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, staged, 1, "archive should be staged while the job runs")

	// The manager runs this when a job finishes; the staged archive must go.
	require.NotNil(t, mgr.cleanup)
	mgr.cleanup()

	staged, err = store.List(10)
	require.NoError(t, err)
	assert.Empty(t, staged, "staged archive should be removed after the job")
}

func TestHandleBatchStatus(t *testing.T) {
	mgr := &fakeBatchManager{job: &batch.Job{
		ID:        "job-1",
		Status:    batch.StatusProcessing,
		Progress:  45,
		Total:     10,
		Processed: 4,
	}}
	h := newTestHandler(t, &fakeProcessor{}, mgr)

	t.Run("existing job", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("jobId")
		c.SetParamValues("job-1")

		require.NoError(t, h.HandleBatchStatus(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var job batch.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, batch.StatusProcessing, job.Status)
		assert.Equal(t, 4, job.Processed)
	})

	t.Run("unknown job", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("jobId")
		c.SetParamValues("nope")

		err := h.HandleBatchStatus(c)
		apiErr, ok := err.(*APIError)
		require.True(t, ok, "expected APIError, got %v", err)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})
}

func TestHandleBatchProgressStream_CompletedJob(t *testing.T) {
	// A finished job should produce one data event and close the stream.
	now := time.Now()
	mgr := &fakeBatchManager{job: &batch.Job{
		ID:          "job-1",
		Status:      batch.StatusComplete,
		Progress:    100,
		CompletedAt: &now,
	}}
	h := newTestHandler(t, &fakeProcessor{}, mgr)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("jobId")
	c.SetParamValues("job-1")

	require.NoError(t, h.HandleBatchProgressStream(c))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "), "expected SSE data event, got %q", body)
	assert.Contains(t, body, string(batch.StatusComplete))
}

func TestHandleBatchProgressStream_UnknownJob(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{}, &fakeBatchManager{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("jobId")
	c.SetParamValues("missing")

	require.NoError(t, h.HandleBatchProgressStream(c))
	assert.Contains(t, rec.Body.String(), "event: error")
}
