// Package fal is the client for the FAL.AI hosted flux-kontext-lora
// inference endpoint.
package fal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/imaging"
)

// qualityLadder is the progressive JPEG compression applied when the
// endpoint rejects a payload for size. First entry is the initial attempt.
var qualityLadder = []int{95, 85, 75, 65, 50}

// Lora identifies a LoRA adapter applied during inference.
type Lora struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// Request is the JSON payload sent to the inference endpoint.
type Request struct {
	ImageURL            string  `json:"image_url"`
	Prompt              string  `json:"prompt"`
	NumInferenceSteps   int     `json:"num_inference_steps"`
	GuidanceScale       float64 `json:"guidance_scale"`
	NumImages           int     `json:"num_images"`
	OutputFormat        string  `json:"output_format"`
	ResolutionMode      string  `json:"resolution_mode"`
	EnableSafetyChecker bool    `json:"enable_safety_checker"`
	SyncMode            bool    `json:"sync_mode"`
	Acceleration        string  `json:"acceleration"`
	Loras               []Lora  `json:"loras"`
}

// ResultImage is one generated image in the endpoint response. URL may be an
// https URL, a data URI, or raw base64 depending on sync_mode.
type ResultImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Response is the endpoint response body.
type Response struct {
	Images []ResultImage `json:"images"`
	Seed   int64         `json:"seed,omitempty"`
}

// Params are the per-request generation parameters. An empty prompt and zero
// steps fall back to the configured defaults; GuidanceScale is a pointer so an
// explicit 0 (a valid value) is distinguishable from unset.
type Params struct {
	Prompt        string
	Steps         int
	GuidanceScale *float64
}

// APIStatusError is a non-2xx response from the inference endpoint.
type APIStatusError struct {
	StatusCode int
	Body       string
}

func (e *APIStatusError) Error() string {
	return fmt.Sprintf("inference endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Client calls the hosted inference endpoint with authentication and
// automatic payload compression fallback.
type Client struct {
	cfg        *config.AppConfig
	httpClient *http.Client
	downloader *http.Client
}

// NewClient creates a Client from the application configuration.
func NewClient(cfg *config.AppConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Inference.RequestTimeout) * time.Second,
		},
		downloader: &http.Client{
			Timeout: time.Duration(cfg.Inference.DownloadTimeout) * time.Second,
		},
	}
}

// buildRequest assembles the payload for one attempt.
func (c *Client) buildRequest(imageURI string, p Params) *Request {
	inf := c.cfg.Inference

	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		prompt = inf.DefaultPrompt
	}
	steps := p.Steps
	if steps == 0 {
		steps = inf.NumInferenceSteps
	}
	guidance := inf.GuidanceScale
	if p.GuidanceScale != nil {
		guidance = *p.GuidanceScale
	}

	return &Request{
		ImageURL:            imageURI,
		Prompt:              prompt,
		NumInferenceSteps:   steps,
		GuidanceScale:       guidance,
		NumImages:           inf.NumImages,
		OutputFormat:        inf.OutputFormat,
		ResolutionMode:      inf.ResolutionMode,
		EnableSafetyChecker: inf.EnableSafetyChecker,
		SyncMode:            inf.SyncMode,
		Acceleration:        inf.Acceleration,
		Loras:               []Lora{{Path: inf.LoraURL, Scale: inf.LoraWeight}},
	}
}

// Harmonise submits an image to the endpoint, retrying with progressively
// stronger JPEG compression when the payload is rejected for size. It returns
// the endpoint response and a user-facing note when compression was applied.
func (c *Client) Harmonise(ctx context.Context, img image.Image, p Params) (*Response, string, error) {
	var lastErr error

	for i, quality := range qualityLadder {
		imageURI, err := imaging.JPEGDataURI(img, quality)
		if err != nil {
			return nil, "", err
		}

		note := ""
		if i > 0 {
			note = fmt.Sprintf("Image compressed to %d%% quality due to size limits", quality)
		}

		resp, err := c.call(ctx, c.buildRequest(imageURI, p))
		if err == nil {
			return resp, note, nil
		}
		lastErr = err

		if !IsSizeError(err) || i == len(qualityLadder)-1 {
			if i > 0 {
				return nil, "", fmt.Errorf("inference failed even with maximum compression: %w", err)
			}
			return nil, "", fmt.Errorf("inference request failed: %w", err)
		}
	}

	return nil, "", fmt.Errorf("failed to process image even with maximum compression: %w", lastErr)
}

// call performs one HTTP request against the endpoint.
func (c *Client) call(ctx context.Context, payload *Request) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Inference.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.cfg.FALKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIStatusError{StatusCode: httpResp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// FetchResult resolves a result image reference to raw image bytes. The
// reference may be an https URL, a data URI, or raw base64.
func (c *Client) FetchResult(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "http"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build download request: %w", err)
		}
		resp, err := c.downloader.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download result image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("result download returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read result image: %w", err)
		}
		return data, nil

	case strings.HasPrefix(ref, "data:image"):
		_, b64, found := strings.Cut(ref, ",")
		if !found {
			return nil, fmt.Errorf("malformed data URI in result")
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode result data URI: %w", err)
		}
		return data, nil

	default:
		data, err := base64.StdEncoding.DecodeString(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to decode result base64: %w", err)
		}
		return data, nil
	}
}

// sizeIndicators mark errors caused by payload size limits; these are worth
// retrying with stronger compression.
var sizeIndicators = []string{
	"payload too large", "request entity too large", "413", "content-length",
	"image too large", "size limit", "timeout", "request timeout",
	"file size", "maximum size", "too big",
}

// IsSizeError reports whether an error looks like a payload size rejection.
func IsSizeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range sizeIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
