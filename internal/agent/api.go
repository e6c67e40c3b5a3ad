package agent

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fvpn/internal/protocol"
	"fvpn/internal/xray"
)

// Коды отказов, которые видит менеджер
const (
	CodeServerFull          = "server_full"
	CodeUnsupportedProtocol = "unsupported_protocol"
	CodeAccountCollision    = "account_collision"
	CodeAnchorMissing       = "config_anchor_missing"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal_error"
)

// Server: HTTP-интерфейс агента. Каждый запрос сначала чистит истёкшие аккаунты.
type Server struct {
	apiKey      string
	maxUsers    int
	store       AccountStore
	reconciler  *ExpiryReconciler
	provisioner *Provisioner
	log         *zap.Logger
	now         func() time.Time

	// очистка и создание идут по одному, иначе два запроса увидят одну и ту же ёмкость
	mu sync.Mutex
}

func NewServer(apiKey string, maxUsers int, store AccountStore, reconciler *ExpiryReconciler, provisioner *Provisioner, log *zap.Logger) *Server {
	return &Server{
		apiKey:      apiKey,
		maxUsers:    maxUsers,
		store:       store,
		reconciler:  reconciler,
		provisioner: provisioner,
		log:         log,
		now:         time.Now,
	}
}

type createRequest struct {
	Protocol string `json:"protocol" binding:"required"`
	Days     int    `json:"days" binding:"required,min=1,max=365"`
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("panic in agent handler", zap.Any("recovered", rec), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": CodeInternal})
	}))

	auth := r.Group("/", s.requireAPIKey)
	auth.GET("/health", s.health)
	auth.GET("/stats", s.stats)
	auth.POST("/create", s.create)
	return r
}

func (s *Server) requireAPIKey(c *gin.Context) {
	got := c.GetHeader("X-API-Key")
	if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) stats(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reconciler.Reconcile(c.Request.Context()); err != nil {
		s.log.Warn("reconcile before stats", zap.Error(err))
	}
	active, err := s.store.CountActive(c.Request.Context(), s.now().UTC())
	if err != nil {
		s.log.Error("count active", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": CodeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "active_users": active, "max_users": s.maxUsers})
}

func (s *Server) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": CodeInvalidRequest})
		return
	}
	proto, err := protocol.Parse(req.Protocol)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": CodeUnsupportedProtocol})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reconciler.Reconcile(c.Request.Context()); err != nil {
		s.log.Warn("reconcile before create", zap.Error(err))
	}
	res, err := s.provisioner.Create(c.Request.Context(), proto, req.Days)
	if err != nil {
		code, status := refusal(err)
		if status == http.StatusInternalServerError {
			s.log.Error("create account", zap.String("protocol", proto.String()), zap.Error(err))
		}
		c.JSON(status, gin.H{"ok": false, "error": code})
		return
	}

	body := gin.H{
		"ok":         true,
		"protocol":   proto.String(),
		"created_at": res.Account.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": res.Account.ExpiresAt.UTC().Format("2006-01-02"),
		"details":    res.Details,
	}
	c.JSON(http.StatusOK, body)
}

func refusal(err error) (string, int) {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return CodeServerFull, http.StatusOK
	case errors.Is(err, protocol.ErrUnsupported):
		return CodeUnsupportedProtocol, http.StatusOK
	case errors.Is(err, ErrAccountCollision):
		return CodeAccountCollision, http.StatusOK
	case errors.Is(err, xray.ErrAnchorMissing):
		return CodeAnchorMissing, http.StatusOK
	case errors.Is(err, ErrInvalidDays):
		return CodeInvalidRequest, http.StatusBadRequest
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}
