// Package batch processes zip archives of images as async jobs with
// progress tracking.
package batch

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/fal"
	"github.com/kontext-harmonise/backend/internal/library"
	"github.com/kontext-harmonise/backend/internal/models"
)

// Status represents the batch job status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusProcessing Status = "processing"
	StatusZipping    Status = "zipping"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Failure records one image that could not be processed.
type Failure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// Job represents an async batch processing job.
type Job struct {
	ID          string            `json:"id"`
	ZipName     string            `json:"zipName"`
	Prompt      string            `json:"prompt"`
	Status      Status            `json:"status"`
	Progress    float64           `json:"progress"` // 0-100
	Stage       string            `json:"stage"`
	Total       int               `json:"total"`
	Processed   int               `json:"processed"`
	Failures    []Failure         `json:"failures,omitempty"`
	ZipRecord   *models.ZipRecord `json:"zipRecord,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// ImageProcessor is the slice of the harmonise pipeline the manager needs.
type ImageProcessor interface {
	Process(ctx context.Context, data []byte, originalFilename string, params fal.Params) (*models.ImageRecord, error)
}

// Manager handles async batch jobs.
type Manager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	cfg       *config.AppConfig
	processor ImageProcessor
	lib       *library.Library
	tempDir   string
}

// NewManager creates a batch manager.
func NewManager(cfg *config.AppConfig, processor ImageProcessor, lib *library.Library, tempDir string) *Manager {
	return &Manager{
		jobs:      make(map[string]*Job),
		cfg:       cfg,
		processor: processor,
		lib:       lib,
		tempDir:   tempDir,
	}
}

// StartJob begins async processing of an uploaded zip archive. cleanup, if
// non-nil, runs once the job finishes so the caller can release the staged
// upload.
func (m *Manager) StartJob(zipPath, zipName string, params fal.Params, cleanup func()) *Job {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		prompt = m.cfg.Inference.DefaultPrompt
	}
	params.Prompt = prompt

	job := &Job{
		ID:        uuid.New().String(),
		ZipName:   zipName,
		Prompt:    prompt,
		Status:    StatusPending,
		Stage:     "queued",
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.processJob(job, zipPath, params, cleanup)

	return job
}

// GetJob retrieves a snapshot of a job by ID.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// processJob handles the actual async processing.
func (m *Manager) processJob(job *Job, zipPath string, params fal.Params, cleanup func()) {
	fmt.Printf("[Batch %s] Starting job: %s\n", job.ID[:8], job.ZipName)

	if cleanup != nil {
		defer cleanup()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.Processing.JobTimeoutMinutes)*time.Minute)
	defer cancel()

	// Stage 1: extract the archive
	m.updateJob(job, StatusExtracting, "extracting archive", 0)

	extractDir, err := os.MkdirTemp(m.tempDir, "batch-")
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to create temp directory: %v", err))
		return
	}
	defer os.RemoveAll(extractDir)

	if err := extractZip(zipPath, extractDir); err != nil {
		m.markJobError(job, fmt.Sprintf("failed to extract zip: %v", err))
		return
	}

	imageFiles, err := m.collectImages(extractDir)
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to scan archive: %v", err))
		return
	}
	if len(imageFiles) == 0 {
		m.markJobError(job, "no supported image files found in zip")
		return
	}
	if len(imageFiles) > m.cfg.Processing.MaxBatchSize {
		m.markJobError(job, fmt.Sprintf("too many images: %d (maximum %d)", len(imageFiles), m.cfg.Processing.MaxBatchSize))
		return
	}

	m.mu.Lock()
	job.Total = len(imageFiles)
	m.mu.Unlock()

	fmt.Printf("[Batch %s] Extracted %d images\n", job.ID[:8], len(imageFiles))

	// Stage 2: process each image sequentially, continuing past failures
	var outputPaths []string
	for i, path := range imageFiles {
		name := filepath.Base(path)
		m.updateJob(job, StatusProcessing, fmt.Sprintf("processing %d/%d: %s", i+1, len(imageFiles), name),
			float64(i)/float64(len(imageFiles))*100)

		data, err := os.ReadFile(path)
		if err != nil {
			m.recordFailure(job, name, err)
			continue
		}

		record, err := m.processor.Process(ctx, data, name, params)
		if err != nil {
			if ctx.Err() != nil {
				m.markJobError(job, fmt.Sprintf("job timed out after %d images", i))
				return
			}
			m.recordFailure(job, name, err)
			continue
		}

		outputPaths = append(outputPaths, record.OutputPath)
		m.mu.Lock()
		job.Processed = len(outputPaths)
		m.mu.Unlock()
	}

	if len(outputPaths) == 0 {
		m.markJobError(job, "no images were successfully processed")
		return
	}

	// Stage 3: archive the results
	m.updateJob(job, StatusZipping, "creating zip file", 0)

	zipFilename := fmt.Sprintf("batch_output_%s.zip", time.Now().Format("20060102_150405"))
	outputZipPath := filepath.Join(m.lib.ZipDir(), zipFilename)

	if err := createZip(outputZipPath, outputPaths); err != nil {
		m.markJobError(job, fmt.Sprintf("failed to create zip: %v", err))
		return
	}

	rec := models.ZipRecord{
		Filename:    zipFilename,
		Timestamp:   time.Now(),
		FilePath:    outputZipPath,
		ImageCount:  len(outputPaths),
		Prompt:      params.Prompt,
		OriginalZip: job.ZipName,
	}
	if err := m.lib.RecordZip(rec); err != nil {
		m.markJobError(job, fmt.Sprintf("failed to record zip: %v", err))
		return
	}

	m.mu.Lock()
	job.ZipRecord = &rec
	m.mu.Unlock()
	m.markJobComplete(job)

	fmt.Printf("[Batch %s] Complete: %d/%d images -> %s\n", job.ID[:8], len(outputPaths), job.Total, zipFilename)
}

// collectImages walks the extract dir and returns supported image paths.
func (m *Manager) collectImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && m.cfg.IsSupportedImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// recordFailure appends a per-image failure to the job (thread-safe).
func (m *Manager) recordFailure(job *Job, name string, err error) {
	fmt.Printf("[Batch %s] Error processing %s: %v\n", job.ID[:8], name, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Failures = append(job.Failures, Failure{Filename: name, Reason: err.Error()})
}

// updateJob updates job progress (thread-safe).
// Overall progress: extracting 0-10%, processing 10-90%, zipping 90-100%.
func (m *Manager) updateJob(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage

	switch status {
	case StatusExtracting:
		job.Progress = stageProgress * 0.1
	case StatusProcessing:
		job.Progress = 10 + stageProgress*0.8
	case StatusZipping:
		job.Progress = 90 + stageProgress*0.1
	case StatusComplete:
		job.Progress = 100
	}
}

// markJobComplete marks a job as complete (thread-safe).
func (m *Manager) markJobComplete(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusComplete
	job.Stage = "complete"
	job.Progress = 100
	now := time.Now()
	job.CompletedAt = &now
}

// markJobError marks a job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusError
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	fmt.Printf("[Batch %s] Error: %s\n", job.ID[:8], errMsg)
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		if job.Status == StatusComplete || job.Status == StatusError {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(m.jobs, id)
			}
		}
	}
}

// extractZip extracts an archive, rejecting entries that escape destDir.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in zip: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}

		if err := extractEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

// createZip writes the given files into a new archive, flat, by base name.
func createZip(zipPath string, files []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating zip: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	for _, path := range files {
		if err := addZipEntry(w, path); err != nil {
			return err
		}
	}
	return nil
}

func addZipEntry(w *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer in.Close()

	entry, err := w.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("adding zip entry: %w", err)
	}
	if _, err := io.Copy(entry, in); err != nil {
		return fmt.Errorf("writing zip entry: %w", err)
	}
	return nil
}
