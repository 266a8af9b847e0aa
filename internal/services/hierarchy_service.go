package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	redisclients "github.com/trialops/sdvlink-backend/internal/clients/redis"
	"github.com/trialops/sdvlink-backend/internal/hierarchy"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/types"
)

const hierarchyPageSize = 1000

// HierarchyService serves the aggregated verification tree for an upload.
// Built trees are cached in Redis; merged records stay the durable source
// and the cache can vanish at any time without losing anything.
type HierarchyService struct {
	uploads repos.DatasetUploadRepo
	merged  repos.MergedRecordRepo
	cache   redisclients.TreeCache
	log     *logger.Logger
}

func NewHierarchyService(uploads repos.DatasetUploadRepo, merged repos.MergedRecordRepo, cache redisclients.TreeCache, baseLog *logger.Logger) *HierarchyService {
	return &HierarchyService{
		uploads: uploads,
		merged:  merged,
		cache:   cache,
		log:     baseLog.With("service", "HierarchyService"),
	}
}

// Flat returns the display rows for an upload's tree, honoring the
// caller's expanded node keys.
func (s *HierarchyService) Flat(ctx context.Context, rd *requestdata.RequestData, uploadID uuid.UUID, expandedKeys []string) ([]hierarchy.FlatNode, error) {
	tree, err := s.tree(ctx, rd, uploadID)
	if err != nil {
		return nil, err
	}
	expanded := make(map[string]bool, len(expandedKeys))
	for _, key := range expandedKeys {
		expanded[key] = true
	}
	return tree.Flatten(expanded), nil
}

func (s *HierarchyService) tree(ctx context.Context, rd *requestdata.RequestData, uploadID uuid.UUID) (*hierarchy.Tree, error) {
	// Scope check before touching the cache: cache keys are not
	// tenant-qualified.
	upload, err := s.uploads.GetByID(ctx, nil, rd.CompanyID, uploadID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, upload.ID)
		if err != nil {
			s.log.Warn("tree cache read failed", "upload_id", upload.ID, "error", err)
		} else if ok {
			var tree hierarchy.Tree
			if err := json.Unmarshal(raw, &tree); err == nil {
				return &tree, nil
			}
			s.log.Warn("tree cache entry unreadable, rebuilding", "upload_id", upload.ID)
		}
	}

	tree, err := s.build(ctx, upload.ID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(tree); err == nil {
			if err := s.cache.Set(ctx, upload.ID, raw); err != nil {
				s.log.Warn("tree cache write failed", "upload_id", upload.ID, "error", err)
			}
		}
	}
	return tree, nil
}

func (s *HierarchyService) build(ctx context.Context, uploadID uuid.UUID) (*hierarchy.Tree, error) {
	total, err := s.merged.CountByUpload(ctx, nil, uploadID)
	if err != nil {
		return nil, err
	}
	all := make([]*types.MergedRecord, 0, total)
	for offset := 0; offset < int(total); offset += hierarchyPageSize {
		page, err := s.merged.ListPage(ctx, nil, uploadID, offset, hierarchyPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < hierarchyPageSize {
			break
		}
	}
	return hierarchy.Build(all), nil
}
