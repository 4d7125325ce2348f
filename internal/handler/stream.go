package handler

import (
	"context"
	"io"
	"time"

	"liveeconomy/internal/poller"
	"liveeconomy/pkg/response"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

type GuestRequest struct {
	HostID  int64  `json:"host_id"`
	GuestID int64  `json:"guest_id" binding:"required"`
	Reason  string `json:"reason"`
}

type ViewerRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// GetStreamState returns one fetch of the stream's canonical state.
// GET /api/v1/streams/:stream_id/state
func (h *Handler) GetStreamState(c *gin.Context) {
	snap, err := h.streams.Snapshot(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}

// StreamEvents pushes the reconciled stream state as server-sent events.
// Each "snapshot" event carries the whole state; the client replaces what it has.
// GET /api/v1/streams/:stream_id/events
func (h *Handler) StreamEvents(c *gin.Context) {
	session, err := h.streams.OpenSession(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	defer session.Close()

	// latest wins; a slow client skips intermediate states
	updates := make(chan poller.Snapshot, 1)
	off := session.Store().OnChange(func(s poller.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer off()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", session.Store().Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case s := <-updates:
			c.SSEvent("snapshot", s)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"degraded": session.Degraded()})
			return true
		}
	})
}

// InviteGuest
// POST /api/v1/streams/:stream_id/guests/invite
func (h *Handler) InviteGuest(c *gin.Context) {
	var req GuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := h.streams.InviteGuest(c.Request.Context(), c.Param("stream_id"), req.HostID, req.GuestID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// AcceptInvite
// POST /api/v1/streams/:stream_id/guests/accept
func (h *Handler) AcceptInvite(c *gin.Context) {
	h.guestAction(c, h.streams.AcceptInvite)
}

// GuestJoined
// POST /api/v1/streams/:stream_id/guests/join
func (h *Handler) GuestJoined(c *gin.Context) {
	h.guestAction(c, h.streams.GuestJoined)
}

// RemoveGuest
// POST /api/v1/streams/:stream_id/guests/remove
func (h *Handler) RemoveGuest(c *gin.Context) {
	var req GuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := h.streams.RemoveGuest(c.Request.Context(), c.Param("stream_id"), req.GuestID, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) guestAction(c *gin.Context, fn func(ctx context.Context, streamID string, guestID int64) error) {
	var req GuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := fn(c.Request.Context(), c.Param("stream_id"), req.GuestID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// JoinStream
// POST /api/v1/streams/:stream_id/viewers/join
func (h *Handler) JoinStream(c *gin.Context) {
	h.viewerAction(c, h.streams.JoinStream)
}

// LeaveStream
// POST /api/v1/streams/:stream_id/viewers/leave
func (h *Handler) LeaveStream(c *gin.Context) {
	h.viewerAction(c, h.streams.LeaveStream)
}

func (h *Handler) viewerAction(c *gin.Context, fn func(ctx context.Context, streamID string, userID int64) (int64, error)) {
	var req ViewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	count, err := fn(c.Request.Context(), c.Param("stream_id"), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"viewer_count": count})
}
