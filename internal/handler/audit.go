package handler

import (
	"strconv"
	"time"

	"liveeconomy/internal/audit"
	"liveeconomy/internal/model"
	"liveeconomy/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================================
// Admin audit queries
// ============================================================================

// auditQuery reads limit, offset, start_date and end_date (RFC 3339).
func auditQuery(c *gin.Context) (audit.Query, bool) {
	var q audit.Query
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.ParamError(c, "limit must be an integer")
			return q, false
		}
		q.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.ParamError(c, "offset must be an integer")
			return q, false
		}
		q.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start_date", &q.StartDate}, {"end_date", &q.EndDate}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.ParamError(c, p.name+" must be RFC 3339")
			return q, false
		}
		*p.dst = &t
	}
	return q, true
}

func (h *Handler) entries(c *gin.Context, rows []*model.AuditEntry, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows, "count": len(rows)})
}

// GET /api/v1/admin/audit/users/:user_id
func (h *Handler) AuditForUser(c *gin.Context) {
	userID, ok := paramInt64(c, "user_id")
	if !ok {
		return
	}
	q, ok := auditQuery(c)
	if !ok {
		return
	}
	rows, err := h.audit.GetLogsForUser(c.Request.Context(), userID, q)
	h.entries(c, rows, err)
}

// GET /api/v1/admin/audit/payouts/:payout_id
func (h *Handler) AuditForPayout(c *gin.Context) {
	rows, err := h.audit.GetLogsForPayout(c.Request.Context(), c.Param("payout_id"))
	h.entries(c, rows, err)
}

// GET /api/v1/admin/audit/transactions/:tx_id
func (h *Handler) AuditForTransaction(c *gin.Context) {
	rows, err := h.audit.GetLogsForTransaction(c.Request.Context(), c.Param("tx_id"))
	h.entries(c, rows, err)
}

// GET /api/v1/admin/audit/events/:event_type
func (h *Handler) AuditByEventType(c *gin.Context) {
	q, ok := auditQuery(c)
	if !ok {
		return
	}
	rows, err := h.audit.GetLogsByEventType(c.Request.Context(), c.Param("event_type"), q)
	h.entries(c, rows, err)
}

// GET /api/v1/admin/audit/requests/:request_id
func (h *Handler) AuditByRequestID(c *gin.Context) {
	rows, err := h.audit.GetLogsByRequestID(c.Request.Context(), c.Param("request_id"))
	h.entries(c, rows, err)
}
