package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/http/response"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/services"
)

type HierarchyHandler struct {
	hierarchy *services.HierarchyService
}

func NewHierarchyHandler(hierarchy *services.HierarchyService) *HierarchyHandler {
	return &HierarchyHandler{hierarchy: hierarchy}
}

// GET /api/uploads/:id/hierarchy?expanded=k1,k2
// Expanded keys may be comma-separated, repeated, or both. Rows come back
// depth-first; children of any node not named in expanded are omitted.
func (h *HierarchyHandler) GetHierarchy(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}
	uploadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_upload_id", err)
		return
	}

	rows, err := h.hierarchy.Flat(c.Request.Context(), rd, uploadID, expandedKeys(c.QueryArray("expanded")))
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "upload_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "hierarchy_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"rows": rows})
}

// expandedKeys accepts both ?expanded=a&expanded=b and ?expanded=a,b.
func expandedKeys(values []string) []string {
	var out []string
	for _, v := range values {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				out = append(out, key)
			}
		}
	}
	return out
}
