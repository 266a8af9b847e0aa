package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/ingest"
	"github.com/trialops/sdvlink-backend/internal/merge"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// MergePayload is the task payload for one merge run.
type MergePayload struct {
	UploadID  uuid.UUID `json:"upload_id"`
	CompanyID uuid.UUID `json:"company_id"`
}

// MergeNotifier announces a finished merge to connected observers.
type MergeNotifier interface {
	MergeDone(companyID, uploadID uuid.UUID)
}

// RegisterPipeline binds the ingestion and merge handlers onto the
// registry.
func RegisterPipeline(reg *Registry, processor *ingest.Processor, engine *merge.Engine, notifier MergeNotifier) {
	reg.Register(types.TaskTypeIngestChunk, ingestChunkHandler(processor))
	reg.Register(types.TaskTypeMergeUpload, mergeUploadHandler(engine, notifier))
}

func ingestChunkHandler(processor *ingest.Processor) HandlerFunc {
	return func(ctx context.Context, task *types.Task) error {
		var payload ingest.ChunkPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode ingest payload: %w", err)
		}
		return processor.Process(ctx, payload)
	}
}

func mergeUploadHandler(engine *merge.Engine, notifier MergeNotifier) HandlerFunc {
	return func(ctx context.Context, task *types.Task) error {
		var payload MergePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode merge payload: %w", err)
		}
		if err := engine.Run(ctx, payload.UploadID, payload.CompanyID); err != nil {
			return err
		}
		notifier.MergeDone(payload.CompanyID, payload.UploadID)
		return nil
	}
}
