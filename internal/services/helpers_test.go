package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/db"
	"fvpn/internal/protocol"
)

type sentMessage struct {
	UserID int64
	Text   string
}

type recordingNotifier struct {
	mu    sync.Mutex
	admin []string
	users []sentMessage
}

func (n *recordingNotifier) NotifyAdmin(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, msg)
	return nil
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID int64, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, sentMessage{UserID: userID, Text: msg})
	return nil
}

func (n *recordingNotifier) adminMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.admin...)
}

func (n *recordingNotifier) userMessages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.users...)
}

// fakeAgents отвечает по имени сервера
type fakeAgents struct {
	mu        sync.Mutex
	active    map[string]int
	down      map[string]bool
	refuse    map[string]string
	created   []string
	probes    []string
	createErr error
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{active: map[string]int{}, down: map[string]bool{}, refuse: map[string]string{}}
}

func (f *fakeAgents) Stats(_ context.Context, s db.Server, _ time.Duration) (*AgentStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, s.Name)
	if f.down[s.Name] {
		return nil, fmt.Errorf("%w: %s: dial tcp: connection refused", ErrAgentUnreachable, s.Name)
	}
	return &AgentStats{ActiveUsers: f.active[s.Name], MaxUsers: s.MaxUsers}, nil
}

func (f *fakeAgents) Create(_ context.Context, s db.Server, p protocol.Protocol, days int, _ time.Duration) (*AgentAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if code := f.refuse[s.Name]; code != "" {
		return nil, &AgentError{Code: code}
	}
	f.created = append(f.created, s.Name)
	f.active[s.Name]++
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &AgentAccount{
		Protocol:  p.String(),
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.AddDate(0, 0, days).Format("2006-01-02"),
		Details:   map[string]string{"username": "user-" + s.Name, "host": s.Name + ".example.com"},
	}, nil
}

func (f *fakeAgents) createdOn() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// fakeGateway хранит оплаченные счета
type fakeGateway struct {
	mu      sync.Mutex
	paid    map[string]bool
	checks  int
	bills   []Bill
	failErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{paid: map[string]bool{}}
}

func (g *fakeGateway) CreateBill(_ context.Context, b Bill) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return "", "", g.failErr
	}
	g.bills = append(g.bills, b)
	code := fmt.Sprintf("bill%03d", len(g.bills))
	return code, "https://dev.toyyibpay.com/" + code, nil
}

func (g *fakeGateway) IsBillPaid(_ context.Context, code string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.failErr != nil {
		return false, g.failErr
	}
	return g.paid[code], nil
}

func (g *fakeGateway) markPaid(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid[code] = true
}

func (g *fakeGateway) checkCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks
}

func openTestLedger(t *testing.T) *db.Ledger {
	t.Helper()
	l, err := db.Open(filepath.Join(t.TempDir(), "manager.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testManagerConfig() config.ManagerConfig {
	return config.ManagerConfig{
		AdminTelegramID:       999,
		APIKey:                "manager-secret",
		FreeSlotsPerHour:      2,
		FreeClaimCostCredits:  1,
		FreeClaimValidityDays: 3,
		ConvertCostCredits:    3,
		ConvertValidityDays:   7,
		VIPClaimCostVIPCoins:  1,
		VIPClaimValidityDays:  30,
		StarSubscriptionDays:  30,
		StarPrice:             decimal.RequireFromString("250.00"),
		InvoiceTTL:            time.Hour,
		AgentTimeout:          time.Second,
		ProbeTimeout:          time.Second,
	}
}

// readyUser: подписан, принял соглашение, с балансом
func readyUser(t *testing.T, l *db.Ledger, id int64, credits int) *db.User {
	t.Helper()
	ctx := context.Background()
	_, _, err := l.UpsertUser(ctx, id, "Ali", "ali", nil)
	require.NoError(t, err)
	_, err = l.MarkSubscribed(ctx, id)
	require.NoError(t, err)
	require.NoError(t, l.AcceptAgreement(ctx, id))
	if delta := credits - 1; delta != 0 {
		require.NoError(t, l.AddCredits(ctx, id, delta))
	}
	u, err := l.GetUser(ctx, id)
	require.NoError(t, err)
	return u
}

func addServer(t *testing.T, l *db.Ledger, name, pool string, maxUsers int) *db.Server {
	t.Helper()
	s := &db.Server{Name: name, Pool: pool, BaseURL: "http://" + name + ":7000", APIKey: "k-" + name, MaxUsers: maxUsers, Enabled: true}
	require.NoError(t, l.AddServer(context.Background(), s))
	return s
}

func pendingInvoice(t *testing.T, l *db.Ledger, userID int64, typ db.InvoiceType, amount string, qty int, code string, expiresAt time.Time) *db.Invoice {
	t.Helper()
	inv := &db.Invoice{
		UserID:    userID,
		Type:      typ,
		Amount:    decimal.RequireFromString(amount),
		Qty:       qty,
		BillCode:  code,
		BillURL:   "https://dev.toyyibpay.com/" + code,
		ExpiresAt: expiresAt,
	}
	require.NoError(t, l.CreateInvoice(context.Background(), inv))
	return inv
}

func nopLogger() *zap.Logger { return zap.NewNop() }
