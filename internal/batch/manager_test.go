package batch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/fal"
	"github.com/kontext-harmonise/backend/internal/library"
	"github.com/kontext-harmonise/backend/internal/models"
	"github.com/kontext-harmonise/backend/internal/testutil"
)

// fakeProcessor writes results into a real library so the zip stage has
// files to archive. failOn lists original filenames that should error.
type fakeProcessor struct {
	lib    *library.Library
	failOn map[string]bool
}

func (p *fakeProcessor) Process(ctx context.Context, data []byte, originalFilename string, params fal.Params) (*models.ImageRecord, error) {
	if p.failOn[originalFilename] {
		return nil, errors.New("simulated inference failure")
	}
	return p.lib.SaveResult(data, originalFilename, params.Prompt, "")
}

func newTestManager(t *testing.T, failOn map[string]bool) (*Manager, *library.Library) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.FALKey = "test"

	dir := t.TempDir()
	lib, err := library.New(dir, filepath.Join(dir, "zip_downloads"), "png")
	if err != nil {
		t.Fatalf("creating library: %v", err)
	}

	proc := &fakeProcessor{lib: lib, failOn: failOn}
	return NewManager(cfg, proc, lib, t.TempDir()), lib
}

func writeZipFixture(t *testing.T, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.zip")
	if err := os.WriteFile(path, testutil.MakeTestZip(files), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitForJob(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.GetJob(id)
		if !ok {
			t.Fatal("job disappeared")
		}
		if job.Status == StatusComplete || job.Status == StatusError {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestStartJob_Success(t *testing.T) {
	m, lib := newTestManager(t, nil)

	zipPath := writeZipFixture(t, map[string][]byte{
		"one.png":        testutil.MakeTestPNG(4, 4),
		"sub/two.png":    testutil.MakeTestPNG(4, 4),
		"notes/skip.txt": []byte("not an image"),
	})

	job := m.StartJob(zipPath, "input.zip", fal.Params{Prompt: "batch prompt"}, nil)
	done := waitForJob(t, m, job.ID)

	if done.Status != StatusComplete {
		t.Fatalf("expected complete, got %s (%s)", done.Status, done.Error)
	}
	if done.Total != 2 || done.Processed != 2 {
		t.Errorf("expected 2/2 processed, got %d/%d", done.Processed, done.Total)
	}
	if done.Progress != 100 {
		t.Errorf("expected progress 100, got %v", done.Progress)
	}
	if done.ZipRecord == nil {
		t.Fatal("expected zip record")
	}
	if done.ZipRecord.ImageCount != 2 || done.ZipRecord.OriginalZip != "input.zip" {
		t.Errorf("unexpected zip record: %+v", done.ZipRecord)
	}

	// archive exists and contains exactly the processed images
	r, err := zip.OpenReader(done.ZipRecord.FilePath)
	if err != nil {
		t.Fatalf("opening output zip: %v", err)
	}
	defer r.Close()
	if len(r.File) != 2 {
		t.Errorf("expected 2 entries in zip, got %d", len(r.File))
	}

	if len(lib.RecentZips(5)) != 1 {
		t.Error("zip record not in library")
	}
}

func TestStartJob_ContinuesPastFailures(t *testing.T) {
	m, _ := newTestManager(t, map[string]bool{"bad.png": true})

	zipPath := writeZipFixture(t, map[string][]byte{
		"good.png": testutil.MakeTestPNG(4, 4),
		"bad.png":  testutil.MakeTestPNG(4, 4),
	})

	job := m.StartJob(zipPath, "input.zip", fal.Params{}, nil)
	done := waitForJob(t, m, job.ID)

	if done.Status != StatusComplete {
		t.Fatalf("expected complete, got %s (%s)", done.Status, done.Error)
	}
	if done.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", done.Processed)
	}
	if len(done.Failures) != 1 || done.Failures[0].Filename != "bad.png" {
		t.Errorf("unexpected failures: %+v", done.Failures)
	}
}

func TestStartJob_AllFailuresIsError(t *testing.T) {
	m, _ := newTestManager(t, map[string]bool{"a.png": true, "b.png": true})

	zipPath := writeZipFixture(t, map[string][]byte{
		"a.png": testutil.MakeTestPNG(4, 4),
		"b.png": testutil.MakeTestPNG(4, 4),
	})

	job := m.StartJob(zipPath, "input.zip", fal.Params{}, nil)
	done := waitForJob(t, m, job.ID)

	if done.Status != StatusError {
		t.Fatalf("expected error status, got %s", done.Status)
	}
	if done.Error == "" {
		t.Error("expected error message")
	}
}

func TestStartJob_NoImages(t *testing.T) {
	m, _ := newTestManager(t, nil)

	zipPath := writeZipFixture(t, map[string][]byte{"readme.txt": []byte("hi")})

	job := m.StartJob(zipPath, "input.zip", fal.Params{}, nil)
	done := waitForJob(t, m, job.ID)

	if done.Status != StatusError {
		t.Fatalf("expected error status, got %s", done.Status)
	}
}

func TestStartJob_TooManyImages(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.cfg.Processing.MaxBatchSize = 2

	files := make(map[string][]byte)
	for i := 0; i < 3; i++ {
		files[fmt.Sprintf("img-%d.png", i)] = testutil.MakeTestPNG(2, 2)
	}

	job := m.StartJob(writeZipFixture(t, files), "input.zip", fal.Params{}, nil)
	done := waitForJob(t, m, job.ID)

	if done.Status != StatusError {
		t.Fatalf("expected error status, got %s", done.Status)
	}
}

func TestStartJob_DefaultPromptApplied(t *testing.T) {
	m, lib := newTestManager(t, nil)

	zipPath := writeZipFixture(t, map[string][]byte{"a.png": testutil.MakeTestPNG(2, 2)})
	job := m.StartJob(zipPath, "input.zip", fal.Params{Prompt: ""}, nil)
	done := waitForJob(t, m, job.ID)

	want := m.cfg.Inference.DefaultPrompt
	if done.Prompt != want {
		t.Errorf("expected default prompt on job, got %q", done.Prompt)
	}
	recent := lib.Recent(1)
	if len(recent) != 1 || recent[0].Prompt != want {
		t.Errorf("default prompt not applied to records")
	}
}

func TestStartJob_CleanupRunsWhenFinished(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
	}{
		{"completed job", map[string][]byte{"a.png": testutil.MakeTestPNG(2, 2)}},
		{"failed job", map[string][]byte{"readme.txt": []byte("no images")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, nil)

			cleaned := make(chan struct{})
			job := m.StartJob(writeZipFixture(t, tt.files), "input.zip", fal.Params{}, func() {
				close(cleaned)
			})
			waitForJob(t, m, job.ID)

			select {
			case <-cleaned:
			case <-time.After(5 * time.Second):
				t.Fatal("cleanup was not called")
			}
		})
	}
}

func TestExtractZip_RejectsPathTraversal(t *testing.T) {
	// hand-build a zip with an escaping entry
	path := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	entry, err := w.Create("../escape.png")
	if err != nil {
		t.Fatal(err)
	}
	entry.Write([]byte("x"))
	w.Close()
	f.Close()

	if err := extractZip(path, t.TempDir()); err == nil {
		t.Fatal("expected error for path traversal entry")
	}
}

func TestCleanupOldJobs(t *testing.T) {
	m, _ := newTestManager(t, nil)

	zipPath := writeZipFixture(t, map[string][]byte{"a.png": testutil.MakeTestPNG(2, 2)})
	job := m.StartJob(zipPath, "input.zip", fal.Params{}, nil)
	waitForJob(t, m, job.ID)

	m.CleanupOldJobs(time.Hour)
	if _, ok := m.GetJob(job.ID); !ok {
		t.Error("fresh job should survive cleanup")
	}

	m.CleanupOldJobs(0)
	if _, ok := m.GetJob(job.ID); ok {
		t.Error("expired job should be removed")
	}
}
