package api

import (
	"context"

	"github.com/kontext-harmonise/backend/internal/batch"
	"github.com/kontext-harmonise/backend/internal/config"
	"github.com/kontext-harmonise/backend/internal/fal"
	"github.com/kontext-harmonise/backend/internal/library"
	"github.com/kontext-harmonise/backend/internal/models"
	"github.com/kontext-harmonise/backend/internal/storage"
)

// Processor is the single-image pipeline the handlers delegate to.
type Processor interface {
	Process(ctx context.Context, data []byte, originalFilename string, params fal.Params) (*models.ImageRecord, error)
}

// BatchManager runs async batch jobs.
type BatchManager interface {
	StartJob(zipPath, zipName string, params fal.Params, cleanup func()) *batch.Job
	GetJob(id string) (*batch.Job, bool)
}

// Handler handles API requests.
type Handler struct {
	cfg       *config.AppConfig
	store     storage.Store
	lib       *library.Library
	processor Processor
	batchMgr  BatchManager
}

// NewHandler creates a new API handler.
func NewHandler(cfg *config.AppConfig, store storage.Store, lib *library.Library, processor Processor, batchMgr BatchManager) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		lib:       lib,
		processor: processor,
		batchMgr:  batchMgr,
	}
}
