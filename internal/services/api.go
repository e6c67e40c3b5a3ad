package services

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/protocol"
)

type upsertUserRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	FirstName  string `json:"first_name"`
	Username   string `json:"username"`
	ReferredBy *int64 `json:"referred_by"`
}

type languageRequest struct {
	Language string `json:"language" binding:"required"`
}

type claimRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Channel  string `json:"channel" binding:"required"`
	Protocol string `json:"protocol" binding:"required"`
}

type invoiceRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Type   string `json:"type" binding:"required,oneof=vip_coin star"`
	Qty    int    `json:"qty"`
}

type checkInvoiceRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

type serverRequest struct {
	Name     string `json:"name" binding:"required"`
	Pool     string `json:"pool" binding:"required,oneof=FREE STAR free star"`
	BaseURL  string `json:"base_url" binding:"required,url"`
	APIKey   string `json:"api_key" binding:"required"`
	MaxUsers int    `json:"max_users"`
}

func (a *API) upsertUser(c *gin.Context) {
	var req upsertUserRequest
	if !bind(c, &req) {
		return
	}
	u, created, err := a.ledger.UpsertUser(c.Request.Context(), req.UserID, req.FirstName, req.Username, req.ReferredBy)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "created": created, "user": u})
}

func (a *API) getUser(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	u, err := a.ledger.GetUser(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	claimed, err := a.ledger.CountUserClaims(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": u, "claimed_total": claimed})
}

// markSubscribed: первая подписка даёт кредит, засчитывает приглашение и, возможно, кредит пригласившему
func (a *API) markSubscribed(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	first, err := a.ledger.MarkSubscribed(ctx, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	body := gin.H{"ok": true, "first_time": first}
	if !first {
		c.JSON(http.StatusOK, body)
		return
	}

	referrer, qualified, err := a.ledger.QualifyReferral(ctx, id)
	if err != nil {
		a.log.Warn("qualify referral", zap.Int64("user_id", id), zap.Error(err))
	}
	if qualified {
		awarded, err := a.ledger.AwardReferralCredit(ctx, referrer)
		if err != nil {
			a.log.Warn("award referral credit", zap.Int64("referrer_id", referrer), zap.Error(err))
		}
		if awarded {
			if err := a.notifier.NotifyUser(ctx, referrer, "+1 credit for your referrals."); err != nil {
				a.log.Warn("user not notified", zap.Int64("user_id", referrer), zap.Error(err))
			}
		}
		body["referrer_id"] = referrer
		body["referrer_awarded"] = awarded
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) acceptAgreement(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	if err := a.ledger.AcceptAgreement(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) setLanguage(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	var req languageRequest
	if !bind(c, &req) {
		return
	}
	lang, err := a.ledger.SetLanguage(c.Request.Context(), id, req.Language)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "language": lang})
}

func (a *API) checkIn(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	points, credits, err := a.ledger.CheckIn(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "points": points, "credits_added": credits})
}

func (a *API) unblock(c *gin.Context) {
	id, ok := userParam(c)
	if !ok {
		return
	}
	if err := a.ledger.Unblock(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	a.log.Info("user unblocked", zap.Int64("user_id", id))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) claim(c *gin.Context) {
	var req claimRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.claims.Claim(c.Request.Context(), ClaimRequest{
		UserID:   req.UserID,
		Channel:  req.Channel,
		Protocol: protocol.Protocol(req.Protocol),
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"server":     res.Server.Name,
		"days":       res.Days,
		"protocol":   res.Account.Protocol,
		"created_at": res.Account.CreatedAt,
		"expires_at": res.Account.ExpiresAt,
		"details":    res.Account.Details,
	})
}

func (a *API) createInvoice(c *gin.Context) {
	var req invoiceRequest
	if !bind(c, &req) {
		return
	}
	if a.limiter != nil && a.limiter.IsLimited(req.UserID, "invoice") {
		a.fail(c, ErrRateLimited)
		return
	}
	var (
		inv *db.Invoice
		err error
	)
	if db.InvoiceType(req.Type) == db.InvoiceStar {
		inv, err = a.invoices.CreateStarInvoice(c.Request.Context(), req.UserID)
	} else {
		inv, err = a.invoices.CreateVIPCoinInvoice(c.Request.Context(), req.UserID, req.Qty)
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "invoice": inv})
}

func (a *API) checkInvoice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	var req checkInvoiceRequest
	if !bind(c, &req) {
		return
	}
	if a.limiter != nil && a.limiter.IsLimited(req.UserID, "check") {
		a.fail(c, ErrRateLimited)
		return
	}
	res, err := a.settlement.SettleInvoice(c.Request.Context(), uint(id), req.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.Invoice.Status, "already_paid": res.AlreadyPaid, "star_until": res.StarUntil})
}

func (a *API) servers(c *gin.Context) {
	list, err := a.ledger.ListServers(c.Request.Context(), c.Query("pool"))
	if err != nil {
		a.fail(c, err)
		return
	}
	var statuses []ServerStatus
	if a.fleet != nil {
		statuses = a.fleet.Statuses()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "servers": list, "statuses": statuses})
}

func (a *API) addServer(c *gin.Context) {
	var req serverRequest
	if !bind(c, &req) {
		return
	}
	if req.MaxUsers <= 0 {
		req.MaxUsers = 100
	}
	s := &db.Server{Name: req.Name, Pool: req.Pool, BaseURL: req.BaseURL, APIKey: req.APIKey, MaxUsers: req.MaxUsers, Enabled: true}
	if err := a.ledger.AddServer(c.Request.Context(), s); err != nil {
		a.fail(c, err)
		return
	}
	a.log.Info("server registered", zap.String("server", s.Name), zap.String("pool", s.Pool))
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": s.ID})
}

func (a *API) setServerEnabled(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := a.ledger.SetServerEnabled(c.Request.Context(), uint(id), *req.Enabled); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request", "detail": err.Error()})
		return false
	}
	return true
}

func userParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return 0, false
	}
	return id, true
}

func (a *API) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		a.log.Error("api request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"ok": false, "error": code})
}

func errorCode(err error) (int, string) {
	var agentErr *AgentError
	switch {
	case errors.As(err, &agentErr):
		return http.StatusBadGateway, agentErr.Code
	case errors.Is(err, db.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, db.ErrInvoiceNotFound):
		return http.StatusNotFound, "invoice_not_found"
	case errors.Is(err, db.ErrServerNotFound):
		return http.StatusNotFound, "server_not_found"
	case errors.Is(err, ErrUserBlocked):
		return http.StatusForbidden, "blocked"
	case errors.Is(err, ErrNotSubscribed):
		return http.StatusForbidden, "subscribe_required"
	case errors.Is(err, ErrAgreementRequired):
		return http.StatusForbidden, "agreement_required"
	case errors.Is(err, ErrStarInactive):
		return http.StatusForbidden, "star_inactive"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrFreeSlotsFull):
		return http.StatusConflict, "free_full"
	case errors.Is(err, db.ErrAlreadyCheckedIn):
		return http.StatusConflict, "already_checked_in"
	case errors.Is(err, db.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrUnknownPackage), errors.Is(err, protocol.ErrUnsupported):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrPaymentNotConfirmed):
		return http.StatusAccepted, "pending"
	case errors.Is(err, ErrInvoiceExpired):
		return http.StatusGone, "invoice_expired"
	case errors.Is(err, ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, ErrPaymentsDisabled):
		return http.StatusServiceUnavailable, "payments_disabled"
	case errors.Is(err, ErrAgentUnreachable):
		return http.StatusBadGateway, "agent_unreachable"
	case errors.Is(err, ErrGateway):
		return http.StatusBadGateway, "gateway_error"
	}
	return http.StatusInternalServerError, "internal_error"
}
