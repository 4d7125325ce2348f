package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// SetupRouter registers every route on a new engine.
func SetupRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		users := api.Group("/users/:user_id")
		{
			users.GET("/balance", h.GetBalance)
			users.GET("/transactions", h.GetHistory)
		}

		api.POST("/tips", h.SendTip)
		api.POST("/gifts", h.SendGift)
		api.POST("/purchases", h.PurchaseCoins)
		api.POST("/payouts/status", h.ChangePayoutStatus)

		holds := api.Group("/holds")
		{
			holds.POST("", h.Reserve)
			holds.GET("/:hold_no", h.GetHold)
			holds.POST("/:hold_no/settle", h.SettleHold)
			holds.POST("/:hold_no/release", h.ReleaseHold)
		}

		streams := api.Group("/streams/:stream_id")
		{
			streams.GET("/state", h.GetStreamState)
			streams.GET("/events", h.StreamEvents)
			streams.POST("/guests/invite", h.InviteGuest)
			streams.POST("/guests/accept", h.AcceptInvite)
			streams.POST("/guests/join", h.GuestJoined)
			streams.POST("/guests/remove", h.RemoveGuest)
			streams.POST("/viewers/join", h.JoinStream)
			streams.POST("/viewers/leave", h.LeaveStream)
		}

		admin := api.Group("/admin")
		{
			admin.POST("/payouts/action", h.AdminPayoutAction)
			admin.POST("/refunds", h.AdminRefund)

			a := admin.Group("/audit")
			{
				a.GET("/users/:user_id", h.AuditForUser)
				a.GET("/payouts/:payout_id", h.AuditForPayout)
				a.GET("/transactions/:tx_id", h.AuditForTransaction)
				a.GET("/events/:event_type", h.AuditByEventType)
				a.GET("/requests/:request_id", h.AuditByRequestID)
			}
		}
	}

	return r
}
