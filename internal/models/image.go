package models

import "time"

// ImageRecord is one entry in the metadata log. Every saved result image has
// exactly one record; field names match the on-disk metadata.json schema.
type ImageRecord struct {
	Filename         string    `json:"filename" msgpack:"filename"`
	OriginalFilename string    `json:"original_filename" msgpack:"original_filename"`
	Prompt           string    `json:"prompt" msgpack:"prompt"`
	Timestamp        time.Time `json:"timestamp" msgpack:"timestamp"`
	OutputPath       string    `json:"output_path" msgpack:"output_path"`
	CompressionNote  string    `json:"compression_note,omitempty" msgpack:"compression_note,omitempty"`
}

// ZipRecord describes a batch output archive in zip_downloads.
type ZipRecord struct {
	Filename    string    `json:"filename"`
	Timestamp   time.Time `json:"timestamp"`
	FilePath    string    `json:"file_path"`
	ImageCount  int       `json:"image_count"`
	Prompt      string    `json:"prompt"`
	OriginalZip string    `json:"original_zip"`
}
