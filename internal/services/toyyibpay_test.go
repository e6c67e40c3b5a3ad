package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fvpn/config"
)

func newTestToyyibPay(t *testing.T, h http.HandlerFunc) *ToyyibPay {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tp := NewToyyibPay(config.ToyyibPayConfig{
		Enabled:       true,
		Sandbox:       true,
		UserSecretKey: "secret",
		CategoryCode:  "cat1",
		CallbackURL:   "https://manager.example.com/payment-callback",
		Timeout:       5 * time.Second,
	})
	tp.baseURL = srv.URL
	return tp
}

func TestToyyibPayCreateBill(t *testing.T) {
	tp := newTestToyyibPay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/index.php/api/createBill", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "secret", r.PostForm.Get("userSecretKey"))
		assert.Equal(t, "cat1", r.PostForm.Get("categoryCode"))
		assert.Equal(t, "25000", r.PostForm.Get("billAmount"))
		assert.Equal(t, "star-1-abcd", r.PostForm.Get("billExternalReferenceNo"))
		_, _ = w.Write([]byte(`[{"BillCode":"gcbhict9"}]`))
	})

	code, payURL, err := tp.CreateBill(context.Background(), Bill{
		Name: "VIP Star", Description: "VIP Star 30 days", Amount: decimal.RequireFromString("250.00"), ExternalRef: "star-1-abcd",
	})
	require.NoError(t, err)
	assert.Equal(t, "gcbhict9", code)
	assert.Equal(t, tp.baseURL+"/gcbhict9", payURL)
}

func TestToyyibPayCreateBillUnexpectedBody(t *testing.T) {
	tp := newTestToyyibPay(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[KEY-DID-NOT-EXIST]`))
	})
	_, _, err := tp.CreateBill(context.Background(), Bill{Name: "x", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrGateway)
}

func TestToyyibPayIsBillPaid(t *testing.T) {
	bodies := map[string]string{
		"paid":    `[{"billpaymentStatus":"3"},{"billpaymentStatus":"1","billpaymentAmount":"250.00"}]`,
		"pending": `[{"billpaymentStatus":"2"}]`,
		"empty":   `No data found!`,
	}
	tp := newTestToyyibPay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/index.php/api/getBillTransactions", r.URL.Path)
		_, _ = w.Write([]byte(bodies[r.FormValue("billCode")]))
	})
	ctx := context.Background()

	paid, err := tp.IsBillPaid(ctx, "paid")
	require.NoError(t, err)
	assert.True(t, paid)

	paid, err = tp.IsBillPaid(ctx, "pending")
	require.NoError(t, err)
	assert.False(t, paid)

	paid, err = tp.IsBillPaid(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestToyyibPayServerError(t *testing.T) {
	tp := newTestToyyibPay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := tp.IsBillPaid(context.Background(), "x")
	require.ErrorIs(t, err, ErrGateway)
}
