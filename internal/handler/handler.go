package handler

import (
	"errors"
	"log/slog"
	"strconv"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/reservation"
	"liveeconomy/internal/service"
	"liveeconomy/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler holds every service the HTTP surface calls into.
type Handler struct {
	accounts *service.AccountService
	economy  *service.EconomyService
	holds    *reservation.Manager
	audit    *audit.Log
	streams  *service.StreamService
	logger   *slog.Logger
}

func NewHandler(
	accounts *service.AccountService,
	economy *service.EconomyService,
	holds *reservation.Manager,
	auditLog *audit.Log,
	streams *service.StreamService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		accounts: accounts,
		economy:  economy,
		holds:    holds,
		audit:    auditLog,
		streams:  streams,
		logger:   logger.With(slog.String("module", "handler")),
	}
}

// fail maps err onto a response code. Unknown errors are logged and hidden from the client.
func (h *Handler) fail(c *gin.Context, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ParamError(c, ve.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, "insufficient balance")
	case errors.Is(err, ledger.ErrBalanceChanged):
		response.BusinessError(c, response.CodeBalanceChanged, "balance changed, retry")
	case apperr.IsConflict(err):
		response.BusinessError(c, response.CodeConflict, err.Error())
	case errors.Is(err, reservation.ErrHoldNotFound):
		response.BusinessError(c, response.CodeHoldNotFound, "hold not found")
	case errors.Is(err, lock.ErrLockFailed):
		response.BusinessError(c, response.CodeBusy, "request in progress, retry")
	case errors.Is(err, apperr.ErrConnectionTimeout):
		response.BusinessError(c, response.CodeConnectionTimeout, "event channel unavailable")
	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("request_id", requestID(c)),
			slog.Any("error", err))
		response.ServerError(c, "internal error")
	}
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

// ============================================================================
// Account
// ============================================================================

// GetBalance
// GET /api/v1/users/:user_id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := paramInt64(c, "user_id")
	if !ok {
		return
	}
	bal, err := h.accounts.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":   userID,
		"balance":   bal.Current,
		"held":      bal.Held,
		"available": bal.Available,
	})
}

// GetHistory
// GET /api/v1/users/:user_id/transactions?page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := paramInt64(c, "user_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	res, err := h.accounts.GetHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}
