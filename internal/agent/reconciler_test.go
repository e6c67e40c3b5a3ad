package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fvpn/internal/protocol"
)

func TestReconcileRemovesExpiredVLESS(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	restarter := &fakeRestarter{}
	c := Build(cfg, store, newFakeAccounts(), restarter, nopLogger())

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(c, func() time.Time { return t0 })
	for i := 0; i < 3; i++ {
		_, err := c.Provisioner.Create(ctx, protocol.VLESS, 3)
		require.NoError(t, err)
	}
	restarter.units = nil

	later := t0.Add(4 * 24 * time.Hour)
	setClock(c, func() time.Time { return later })
	report, err := c.Reconciler.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Removed)
	// один перезапуск на файл, а не на аккаунт
	assert.Equal(t, []string{"xray@vless", "xray@none"}, restarter.calls())
	assert.Equal(t, tlsTemplate, readFile(t, cfg.VLESSTLSConfig))
	assert.Equal(t, noneTemplate, readFile(t, cfg.VLESSNoneConfig))

	active, err := store.CountActive(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, active)

	// второй проход ничего не делает
	report, err = c.Reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Removed)
	assert.Len(t, restarter.calls(), 2)
}

func TestReconcileKeepsUnexpired(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	restarter := &fakeRestarter{}
	c := Build(cfg, store, newFakeAccounts(), restarter, nopLogger())

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(c, func() time.Time { return t0 })
	short, err := c.Provisioner.Create(ctx, protocol.TROJAN, 1)
	require.NoError(t, err)
	long, err := c.Provisioner.Create(ctx, protocol.TROJAN, 30)
	require.NoError(t, err)
	restarter.units = nil

	setClock(c, func() time.Time { return t0.Add(48 * time.Hour) })
	report, err := c.Reconciler.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, []string{"xray@trojanws"}, restarter.calls())
	content := readFile(t, cfg.TrojanTLSConfig)
	assert.NotContains(t, content, short.Account.Username)
	assert.Contains(t, content, "### "+long.Account.Username+" ")
}

func TestReconcileSSHDeleteFailureStillDropsRow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	accounts := newFakeAccounts()
	restarter := &fakeRestarter{}
	c := Build(cfg, store, accounts, restarter, nopLogger())

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(c, func() time.Time { return t0 })
	res, err := c.Provisioner.Create(ctx, protocol.SSH, 1)
	require.NoError(t, err)

	accounts.deleteErr = errUserdel
	setClock(c, func() time.Time { return t0.Add(72 * time.Hour) })
	report, err := c.Reconciler.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, []string{res.Account.Username}, accounts.deleted)
	assert.Empty(t, restarter.calls())

	expired, err := store.ListExpired(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestReconcileMissingSegmentNoRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	restarter := &fakeRestarter{}
	c := Build(cfg, store, newFakeAccounts(), restarter, nopLogger())

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Add(ctx, &Account{
		Protocol:  protocol.VLESS,
		Username:  "uffffff",
		Secret:    "s",
		CreatedAt: now.Add(-96 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))
	setClock(c, func() time.Time { return now })

	report, err := c.Reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Empty(t, report.Restarted)
	assert.Empty(t, restarter.calls())
}
