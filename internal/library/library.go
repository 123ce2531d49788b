// Package library persists harmonized result images and their metadata log.
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kontext-harmonise/backend/internal/models"
)

// metadataFileName is the flat metadata store inside the output directory.
const metadataFileName = "metadata.json"

// metadata is the on-disk metadata.json schema.
type metadata struct {
	Images       []models.ImageRecord `json:"images"`
	NextID       int                  `json:"next_id"`
	ZipDownloads []models.ZipRecord   `json:"zip_downloads"`
}

// Library stores result images in an output directory and keeps the
// accompanying metadata log. All mutating operations persist the log.
type Library struct {
	mu           sync.RWMutex
	outputDir    string
	zipDir       string
	outputFormat string
	meta         metadata
}

// New opens (or initializes) a library rooted at outputDir. A corrupt
// metadata file is replaced with a fresh log rather than failing startup.
func New(outputDir, zipDir, outputFormat string) (*Library, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.MkdirAll(zipDir, 0755); err != nil {
		return nil, fmt.Errorf("creating zip directory: %w", err)
	}

	lib := &Library{
		outputDir:    outputDir,
		zipDir:       zipDir,
		outputFormat: outputFormat,
		meta:         metadata{NextID: 1},
	}

	path := filepath.Join(outputDir, metadataFileName)
	if data, err := os.ReadFile(path); err == nil {
		var m metadata
		if err := json.Unmarshal(data, &m); err == nil && m.NextID >= 1 {
			lib.meta = m
		}
	}

	return lib, nil
}

// OutputDir returns the directory result images are written to.
func (l *Library) OutputDir() string {
	return l.outputDir
}

// ZipDir returns the directory batch archives are written to.
func (l *Library) ZipDir() string {
	return l.zipDir
}

// SaveResult atomically writes a result image under the next sequential
// filename and appends its metadata record. The caller provides the already
// encoded image bytes in the configured output format.
func (l *Library) SaveResult(encoded []byte, originalFilename, prompt, compressionNote string) (*models.ImageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	filename := fmt.Sprintf("%05d.%s", l.meta.NextID, l.outputFormat)
	outputPath := filepath.Join(l.outputDir, filename)

	tmp, err := os.CreateTemp(l.outputDir, "result-*."+l.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("writing image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("moving image into place: %w", err)
	}

	if stat, err := os.Stat(outputPath); err != nil || stat.Size() == 0 {
		os.Remove(outputPath)
		return nil, fmt.Errorf("image save verification failed")
	}

	record := models.ImageRecord{
		Filename:         filename,
		OriginalFilename: originalFilename,
		Prompt:           prompt,
		Timestamp:        time.Now(),
		OutputPath:       outputPath,
		CompressionNote:  compressionNote,
	}

	l.meta.NextID++
	l.meta.Images = append(l.meta.Images, record)

	if err := l.persistLocked(); err != nil {
		return nil, err
	}
	return &record, nil
}

// RecordZip appends a batch archive record to the metadata log.
func (l *Library) RecordZip(rec models.ZipRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.meta.ZipDownloads = append(l.meta.ZipDownloads, rec)
	return l.persistLocked()
}

// Recent returns up to limit image records, newest first, skipping records
// whose file no longer exists on disk.
func (l *Library) Recent(limit int) []models.ImageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ImageRecord, 0, limit)
	for i := len(l.meta.Images) - 1; i >= 0 && len(out) < limit; i-- {
		rec := l.meta.Images[i]
		if _, err := os.Stat(rec.OutputPath); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// RecentZips returns up to limit zip records, newest first, skipping records
// whose archive no longer exists on disk.
func (l *Library) RecentZips(limit int) []models.ZipRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ZipRecord, 0, limit)
	for i := len(l.meta.ZipDownloads) - 1; i >= 0 && len(out) < limit; i-- {
		rec := l.meta.ZipDownloads[i]
		if _, err := os.Stat(rec.FilePath); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Get returns the metadata record for a result filename.
func (l *Library) Get(filename string) (*models.ImageRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.meta.Images {
		if l.meta.Images[i].Filename == filename {
			rec := l.meta.Images[i]
			return &rec, true
		}
	}
	return nil, false
}

// GetZip returns the record for a batch archive filename.
func (l *Library) GetZip(filename string) (*models.ZipRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.meta.ZipDownloads {
		if l.meta.ZipDownloads[i].Filename == filename {
			rec := l.meta.ZipDownloads[i]
			return &rec, true
		}
	}
	return nil, false
}

// ImagePath returns the on-disk path for a result filename.
func (l *Library) ImagePath(filename string) (string, bool) {
	rec, ok := l.Get(filename)
	if !ok {
		return "", false
	}
	return rec.OutputPath, true
}

// Delete removes a result image and its metadata record.
func (l *Library) Delete(filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.meta.Images {
		if l.meta.Images[i].Filename == filename {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("image not found: %s", filename)
	}

	path := l.meta.Images[idx].OutputPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting image: %w", err)
	}

	l.meta.Images = append(l.meta.Images[:idx], l.meta.Images[idx+1:]...)
	return l.persistLocked()
}

// Count returns the number of image records in the log.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.meta.Images)
}

// persistLocked writes the metadata log atomically. Caller must hold mu.
func (l *Library) persistLocked() error {
	data, err := json.MarshalIndent(&l.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	path := filepath.Join(l.outputDir, metadataFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}
