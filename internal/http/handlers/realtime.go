package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/http/response"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/services"
	"github.com/trialops/sdvlink-backend/internal/sse"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.SSEHub
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.SSEHub) *RealtimeHandler {
	return &RealtimeHandler{
		log: log.With("handler", "RealtimeHandler"),
		hub: hub,
	}
}

// GET /api/events
// Streams the company's job events over SSE until the client disconnects.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.CompanyID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}

	client := h.hub.NewSSEClient(rd.CompanyID)
	client.Logger = h.log.With("sse_client_id", client.ID)
	h.hub.AddChannel(client, services.JobChannel(rd.CompanyID))

	h.log.Info("event stream opened", "company_id", rd.CompanyID, "client_id", client.ID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.hub.CloseClient(client)
	h.log.Info("event stream closed", "company_id", rd.CompanyID, "client_id", client.ID)
}
