package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/db"
)

var (
	ErrPaymentsDisabled = errors.New("payments are not configured")
	ErrUnknownPackage   = errors.New("unknown vip coin package")
)

// VIPPackages: количество VIP-монет и цена пакета в MYR
var VIPPackages = map[int]decimal.Decimal{
	1:   decimal.RequireFromString("1.00"),
	3:   decimal.RequireFromString("2.00"),
	10:  decimal.RequireFromString("5.00"),
	30:  decimal.RequireFromString("10.00"),
	50:  decimal.RequireFromString("15.00"),
	100: decimal.RequireFromString("25.00"),
}

// InvoiceService выставляет счета через шлюз
type InvoiceService struct {
	ledger  *db.Ledger
	gateway Gateway
	cfg     config.ManagerConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewInvoiceService(ledger *db.Ledger, gateway Gateway, cfg config.ManagerConfig, log *zap.Logger) *InvoiceService {
	return &InvoiceService{ledger: ledger, gateway: gateway, cfg: cfg, log: log, now: time.Now}
}

// CreateVIPCoinInvoice: счёт на пакет VIP-монет
func (s *InvoiceService) CreateVIPCoinInvoice(ctx context.Context, userID int64, qty int) (*db.Invoice, error) {
	price, ok := VIPPackages[qty]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPackage, qty)
	}
	return s.create(ctx, userID, db.InvoiceVIPCoin, price, qty, "VIP Coins", fmt.Sprintf("VIP Coins x%d", qty), "vipcoin")
}

// CreateStarInvoice: счёт на подписку STAR
func (s *InvoiceService) CreateStarInvoice(ctx context.Context, userID int64) (*db.Invoice, error) {
	desc := fmt.Sprintf("VIP Star %d days", s.cfg.StarSubscriptionDays)
	return s.create(ctx, userID, db.InvoiceStar, s.cfg.StarPrice, 1, "VIP Star", desc, "star")
}

func (s *InvoiceService) create(ctx context.Context, userID int64, typ db.InvoiceType, amount decimal.Decimal, qty int, name, desc, refPrefix string) (*db.Invoice, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, ErrUserBlocked
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("%s-%d-%s", refPrefix, userID, hex.EncodeToString(suffix))
	code, payURL, err := s.gateway.CreateBill(ctx, Bill{Name: name, Description: desc, Amount: amount, ExternalRef: ref})
	if err != nil {
		return nil, fmt.Errorf("create bill: %w", err)
	}

	now := s.now().UTC()
	inv := &db.Invoice{
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Qty:         qty,
		BillCode:    code,
		BillURL:     payURL,
		ExternalRef: ref,
		Status:      db.InvoicePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.InvoiceTTL),
	}
	if err := s.ledger.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	s.log.Info("invoice created",
		zap.Uint("invoice_id", inv.ID),
		zap.Int64("user_id", userID),
		zap.String("type", string(typ)),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("bill_code", code))
	return inv, nil
}
