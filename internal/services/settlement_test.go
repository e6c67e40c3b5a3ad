package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fvpn/internal/db"
)

const starDuration = 30 * 24 * time.Hour

func TestSettleStarInvoiceOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 42, 1)
	inv := pendingInvoice(t, l, 42, db.InvoiceStar, "250.00", 1, "starbill", time.Now().Add(time.Hour))
	gw := newFakeGateway()
	gw.markPaid("starbill")
	n := &recordingNotifier{}
	sc := NewSettlementCoordinator(l, gw, starDuration, n, nopLogger())

	before := time.Now().UTC()
	res, err := sc.SettleByBillCode(ctx, "starbill")
	require.NoError(t, err)
	assert.False(t, res.AlreadyPaid)
	assert.Equal(t, db.InvoicePaid, res.Invoice.Status)
	require.NotNil(t, res.StarUntil)
	assert.WithinDuration(t, before.Add(starDuration), *res.StarUntil, time.Minute)

	u, err := l.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "250.00", u.TotalSpent.StringFixed(2))
	assert.True(t, u.StarActive(time.Now()))

	again, err := sc.SettleInvoice(ctx, inv.ID, 42)
	require.NoError(t, err)
	assert.True(t, again.AlreadyPaid)
	u, err = l.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "250.00", u.TotalSpent.StringFixed(2))
	assert.Len(t, n.userMessages(), 1)
}

func TestConcurrentSettlementAppliesOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 7, 1)
	inv := pendingInvoice(t, l, 7, db.InvoiceVIPCoin, "5.00", 10, "coins", time.Now().Add(time.Hour))
	gw := newFakeGateway()
	gw.markPaid("coins")
	sc := NewSettlementCoordinator(l, gw, starDuration, &recordingNotifier{}, nopLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(byCode bool) {
			defer wg.Done()
			var (
				res *Settlement
				err error
			)
			if byCode {
				res, err = sc.SettleByBillCode(ctx, "coins")
			} else {
				res, err = sc.SettleInvoice(ctx, inv.ID, 7)
			}
			if assert.NoError(t, err) && !res.AlreadyPaid {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	u, err := l.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 10, u.VIPCoins)
	assert.Equal(t, "5.00", u.TotalSpent.StringFixed(2))
}

func TestSettleUnpaidStaysPending(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 8, 1)
	inv := pendingInvoice(t, l, 8, db.InvoiceVIPCoin, "1.00", 1, "unpaid", time.Now().Add(time.Hour))
	sc := NewSettlementCoordinator(l, newFakeGateway(), starDuration, &recordingNotifier{}, nopLogger())

	_, err := sc.SettleInvoice(ctx, inv.ID, 8)
	require.ErrorIs(t, err, ErrPaymentNotConfirmed)
	got, err := l.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, db.InvoicePending, got.Status)
}

func TestSettleExpiredInvoiceRefused(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 9, 1)
	inv := pendingInvoice(t, l, 9, db.InvoiceVIPCoin, "1.00", 1, "late", time.Now().Add(-time.Minute))
	_, err := l.ExpireInvoice(ctx, inv.ID)
	require.NoError(t, err)
	gw := newFakeGateway()
	gw.markPaid("late")
	sc := NewSettlementCoordinator(l, gw, starDuration, &recordingNotifier{}, nopLogger())

	_, err = sc.SettleByBillCode(ctx, "late")
	require.ErrorIs(t, err, ErrInvoiceExpired)
	assert.ErrorIs(t, err, db.ErrInvoiceNotPending)
	assert.Zero(t, gw.checkCount())

	u, err := l.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, u.VIPCoins)
}

func TestSettleForeignInvoiceNotFound(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 10, 1)
	inv := pendingInvoice(t, l, 10, db.InvoiceVIPCoin, "1.00", 1, "mine", time.Now().Add(time.Hour))
	sc := NewSettlementCoordinator(l, newFakeGateway(), starDuration, &recordingNotifier{}, nopLogger())

	_, err := sc.SettleInvoice(ctx, inv.ID, 11)
	require.ErrorIs(t, err, db.ErrInvoiceNotFound)
}

func TestSettleGatewayErrorPropagates(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	readyUser(t, l, 12, 1)
	pendingInvoice(t, l, 12, db.InvoiceVIPCoin, "1.00", 1, "flaky", time.Now().Add(time.Hour))
	gw := newFakeGateway()
	gw.failErr = ErrGateway
	sc := NewSettlementCoordinator(l, gw, starDuration, &recordingNotifier{}, nopLogger())

	_, err := sc.SettleByBillCode(ctx, "flaky")
	require.ErrorIs(t, err, ErrGateway)
}
