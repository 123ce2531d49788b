// Package harmonise runs the single-image pipeline: decode, call the hosted
// model, fetch and persist the result.
package harmonise

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/fal"
	"github.com/kontext-harmonise/backend/internal/imaging"
	"github.com/kontext-harmonise/backend/internal/library"
	"github.com/kontext-harmonise/backend/internal/models"
)

// InferenceClient is the slice of the fal client the processor needs.
type InferenceClient interface {
	Harmonise(ctx context.Context, img image.Image, p fal.Params) (*fal.Response, string, error)
	FetchResult(ctx context.Context, ref string) ([]byte, error)
}

// Processor turns one uploaded image into a saved, recorded result.
type Processor struct {
	cfg    *config.AppConfig
	client InferenceClient
	lib    *library.Library
}

// NewProcessor creates a Processor.
func NewProcessor(cfg *config.AppConfig, client InferenceClient, lib *library.Library) *Processor {
	return &Processor{cfg: cfg, client: client, lib: lib}
}

// Process harmonizes a single image given its raw uploaded bytes. It returns
// the metadata record of the saved result.
func (p *Processor) Process(ctx context.Context, data []byte, originalFilename string, params fal.Params) (*models.ImageRecord, error) {
	img, _, err := imaging.DecodeFile(data)
	if err != nil {
		return nil, err
	}

	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		prompt = p.cfg.Inference.DefaultPrompt
	}
	params.Prompt = prompt

	resp, compressionNote, err := p.client.Harmonise(ctx, img, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("no images returned from inference endpoint")
	}

	resultData, err := p.client.FetchResult(ctx, resp.Images[0].URL)
	if err != nil {
		return nil, err
	}

	encoded, err := p.reencode(resultData)
	if err != nil {
		return nil, err
	}

	record, err := p.lib.SaveResult(encoded, originalFilename, prompt, compressionNote)
	if err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}
	return record, nil
}

// reencode normalizes the result bytes into the configured output format.
func (p *Processor) reencode(data []byte) ([]byte, error) {
	img, format, err := imaging.DecodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load result image: %w", err)
	}

	switch p.cfg.Inference.OutputFormat {
	case "jpeg", "jpg":
		if format == "jpeg" {
			return data, nil
		}
		return imaging.EncodeJPEG(img, 95)
	default:
		if format == "png" {
			return data, nil
		}
		return imaging.EncodePNG(img)
	}
}
