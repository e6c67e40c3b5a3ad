package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"fvpn/config"
	"fvpn/internal/db"
	"fvpn/internal/protocol"
)

// Отказы при выдаче
var (
	ErrUserBlocked         = errors.New("user is blocked")
	ErrNotSubscribed       = errors.New("channel subscription required")
	ErrAgreementRequired   = errors.New("agreement not accepted")
	ErrRateLimited         = errors.New("too many requests")
	ErrFreeSlotsFull       = errors.New("free slots for this hour are used up")
	ErrStarInactive        = errors.New("star subscription is not active")
	ErrUnknownChannel      = errors.New("unknown claim channel")
	ErrInsufficientBalance = db.ErrInsufficientBalance
)

// ClaimRequest: запрос пользователя на аккаунт
type ClaimRequest struct {
	UserID   int64
	Channel  string
	Protocol protocol.Protocol
}

// ClaimResult: выданный аккаунт
type ClaimResult struct {
	Server  db.Server
	Days    int
	Account AgentAccount
}

type claimTerms struct {
	pool         string
	days         int
	costCredits  int
	costVIPCoins int
}

// ClaimService проводит выдачу: проверки, выбор сервера, создание на агенте, списание.
// Баланс списывается только после успеха агента вместе с записью о выдаче.
type ClaimService struct {
	ledger   *db.Ledger
	selector *PoolSelector
	agents   Agents
	limiter  *RateLimiter
	cfg      config.ManagerConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewClaimService(ledger *db.Ledger, selector *PoolSelector, agents Agents, limiter *RateLimiter, cfg config.ManagerConfig, log *zap.Logger) *ClaimService {
	return &ClaimService{ledger: ledger, selector: selector, agents: agents, limiter: limiter, cfg: cfg, log: log, now: time.Now}
}

func (s *ClaimService) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	proto, err := protocol.Parse(req.Protocol.String())
	if err != nil {
		return nil, fmt.Errorf("%q: %w", req.Protocol, err)
	}
	req.Protocol = proto
	user, err := s.ledger.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, ErrUserBlocked
	}
	if !user.IsSubscribed {
		return nil, ErrNotSubscribed
	}
	if !user.AgreementAccepted {
		return nil, ErrAgreementRequired
	}

	// пауза между выдачами проверяется раньше слотов и баланса
	if s.limiter != nil && s.limiter.IsLimited(user.ID, "claim") {
		return nil, ErrRateLimited
	}
	terms, err := s.terms(ctx, req.Channel, user)
	if err != nil {
		return nil, err
	}

	server, err := s.selector.Select(ctx, terms.pool)
	if err != nil {
		return nil, err
	}
	acc, err := s.agents.Create(ctx, *server, req.Protocol, terms.days, s.cfg.AgentTimeout)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(acc)
	if err != nil {
		return nil, err
	}
	claim := &db.Claim{
		UserID:       user.ID,
		Protocol:     req.Protocol.String(),
		Days:         terms.days,
		Channel:      req.Channel,
		ServerID:     &server.ID,
		CostCredits:  terms.costCredits,
		CostVIPCoins: terms.costVIPCoins,
		Result:       datatypes.JSON(result),
	}
	if err := s.ledger.RecordClaim(ctx, claim); err != nil {
		// аккаунт на агенте уже создан и доживёт до своего срока
		s.log.Error("claim not recorded",
			zap.Int64("user_id", user.ID), zap.String("server", server.Name), zap.Error(err))
		return nil, err
	}

	s.log.Info("account claimed",
		zap.Int64("user_id", user.ID),
		zap.String("channel", req.Channel),
		zap.String("protocol", req.Protocol.String()),
		zap.String("server", server.Name))
	return &ClaimResult{Server: *server, Days: terms.days, Account: *acc}, nil
}

func (s *ClaimService) terms(ctx context.Context, channel string, u *db.User) (claimTerms, error) {
	switch channel {
	case db.ChannelFree:
		used, err := s.ledger.CountClaimsSince(ctx, db.ChannelFree, s.now().Add(-time.Hour))
		if err != nil {
			return claimTerms{}, err
		}
		if used >= int64(s.cfg.FreeSlotsPerHour) {
			return claimTerms{}, ErrFreeSlotsFull
		}
		if u.Credits < s.cfg.FreeClaimCostCredits {
			return claimTerms{}, ErrInsufficientBalance
		}
		return claimTerms{pool: db.PoolFree, days: s.cfg.FreeClaimValidityDays, costCredits: s.cfg.FreeClaimCostCredits}, nil
	case db.ChannelVIP:
		if u.VIPCoins < s.cfg.VIPClaimCostVIPCoins {
			return claimTerms{}, ErrInsufficientBalance
		}
		return claimTerms{pool: db.PoolFree, days: s.cfg.VIPClaimValidityDays, costVIPCoins: s.cfg.VIPClaimCostVIPCoins}, nil
	case db.ChannelStar:
		if !u.StarActive(s.now()) {
			return claimTerms{}, ErrStarInactive
		}
		return claimTerms{pool: db.PoolStar, days: s.cfg.VIPClaimValidityDays}, nil
	case db.ChannelConvert:
		if u.Credits < s.cfg.ConvertCostCredits {
			return claimTerms{}, ErrInsufficientBalance
		}
		return claimTerms{pool: db.PoolFree, days: s.cfg.ConvertValidityDays, costCredits: s.cfg.ConvertCostCredits}, nil
	}
	return claimTerms{}, ErrUnknownChannel
}
