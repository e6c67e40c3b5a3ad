package services

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/logger"
)

// API отдаёт callback шлюза и внутренний API для чат-фронтенда
type API struct {
	apiKey     string
	ledger     *db.Ledger
	settlement *SettlementCoordinator
	claims     *ClaimService
	invoices   *InvoiceService
	fleet      *FleetMonitor
	limiter    *RateLimiter
	notifier   logger.Notifier
	log        *zap.Logger
}

type APIDeps struct {
	APIKey     string
	Ledger     *db.Ledger
	Settlement *SettlementCoordinator
	Claims     *ClaimService
	Invoices   *InvoiceService
	Fleet      *FleetMonitor
	Limiter    *RateLimiter
	Notifier   logger.Notifier
	Log        *zap.Logger
}

func NewAPI(d APIDeps) *API {
	return &API{
		apiKey:     d.APIKey,
		ledger:     d.Ledger,
		settlement: d.Settlement,
		claims:     d.Claims,
		invoices:   d.Invoices,
		fleet:      d.Fleet,
		limiter:    d.Limiter,
		notifier:   d.Notifier,
		log:        d.Log,
	}
}

func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		a.log.Error("panic in handler", zap.Any("recovered", rec), zap.String("path", c.FullPath()))
		if err := a.notifier.NotifyAdmin(c.Request.Context(), fmt.Sprintf("Panic in %s: %v", c.FullPath(), rec)); err != nil {
			a.log.Warn("panic alert not delivered", zap.Error(err))
		}
		c.AbortWithStatus(http.StatusInternalServerError)
	}))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.POST("/payment-callback", a.paymentCallback)
	r.POST("/toyyibpay/callback", a.paymentCallback)

	api := r.Group("/api", a.requireAPIKey)
	api.POST("/users", a.upsertUser)
	api.GET("/users/:id", a.getUser)
	api.POST("/users/:id/subscribed", a.markSubscribed)
	api.POST("/users/:id/agreement", a.acceptAgreement)
	api.POST("/users/:id/language", a.setLanguage)
	api.POST("/users/:id/checkin", a.checkIn)
	api.POST("/users/:id/unblock", a.unblock)
	api.POST("/claims", a.claim)
	api.POST("/invoices", a.createInvoice)
	api.POST("/invoices/:id/check", a.checkInvoice)
	api.GET("/servers", a.servers)
	api.POST("/servers", a.addServer)
	api.POST("/servers/:id/enabled", a.setServerEnabled)
	return r
}

func (a *API) requireAPIKey(c *gin.Context) {
	got := c.GetHeader("X-API-Key")
	if a.apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unauthorized"})
		return
	}
	c.Next()
}

// paymentCallback: уведомление шлюза (form POST). Всегда перепроверяем оплату у шлюза.
func (a *API) paymentCallback(c *gin.Context) {
	code := firstNonEmpty(c.PostForm("bill_code"), c.PostForm("billcode"), c.PostForm("billCode"))
	status := strings.TrimSpace(c.PostForm("status"))
	if code == "" {
		c.String(http.StatusBadRequest, "missing billcode")
		return
	}

	inv, err := a.ledger.LatestInvoiceByBillCode(c.Request.Context(), code)
	if errors.Is(err, db.ErrInvoiceNotFound) {
		c.String(http.StatusNotFound, "invoice not found")
		return
	}
	if err != nil {
		a.log.Error("callback lookup", zap.String("bill_code", code), zap.Error(err))
		c.String(http.StatusInternalServerError, "error")
		return
	}
	switch inv.Status {
	case db.InvoicePaid:
		c.String(http.StatusOK, "ok")
		return
	case db.InvoiceExpired:
		c.String(http.StatusOK, "expired")
		return
	}
	if status != paidStatus {
		c.String(http.StatusOK, "pending")
		return
	}

	_, err = a.settlement.SettleByBillCode(c.Request.Context(), code)
	switch {
	case err == nil:
		c.String(http.StatusOK, "ok")
	case errors.Is(err, ErrPaymentNotConfirmed):
		c.String(http.StatusOK, "pending")
	case errors.Is(err, ErrInvoiceExpired):
		c.String(http.StatusOK, "expired")
	case errors.Is(err, ErrPaymentsDisabled):
		c.String(http.StatusServiceUnavailable, "payments disabled")
	case errors.Is(err, ErrGateway):
		a.log.Warn("callback verification failed", zap.String("bill_code", code), zap.Error(err))
		c.String(http.StatusBadGateway, "gateway error")
	default:
		a.log.Error("callback settlement", zap.String("bill_code", code), zap.Error(err))
		c.String(http.StatusInternalServerError, "error")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
