package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fvpn/internal/protocol"
)

func TestExpiryFor(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC), ExpiryFor(protocol.VLESS, created, 3))
	assert.Equal(t, time.Date(2025, 3, 31, 10, 30, 0, 0, time.UTC), ExpiryFor(protocol.TROJAN, created, 30))
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), ExpiryFor(protocol.SSH, created, 3))
	// одинаковые входы: одинаковый результат
	assert.Equal(t, ExpiryFor(protocol.SSH, created, 7), ExpiryFor(protocol.SSH, created, 7))
}

func TestCreateVLESSThreeDays(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	restarter := &fakeRestarter{}
	c := Build(cfg, store, newFakeAccounts(), restarter, nopLogger())
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(c, func() time.Time { return now })

	res, err := c.Provisioner.Create(ctx, protocol.VLESS, 3)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^u[0-9a-f]{6}$`), res.Account.Username)
	assert.Equal(t, now.Add(72*time.Hour), res.Account.ExpiresAt)
	assert.True(t, strings.HasPrefix(res.Details["uri"], "vless://"+res.Account.Secret+"@vpn.example.com:443?"))
	assert.True(t, strings.HasSuffix(res.Details["uri"], "#"+res.Account.Username))

	header := "### " + res.Account.Username + " 2025-03-04 2025-03-01 " + res.Account.Secret
	assert.Contains(t, readFile(t, cfg.VLESSTLSConfig), "#tls\n"+header+"\n")
	assert.Contains(t, readFile(t, cfg.VLESSNoneConfig), "#none\n"+header+"\n")
	assert.Equal(t, []string{"xray@vless", "xray@none"}, restarter.calls())

	active, err := store.CountActive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestCreateTrojanUsesPasswordGrammar(t *testing.T) {
	cfg := testConfig(t, 10)
	c := Build(cfg, openTestStore(t), newFakeAccounts(), &fakeRestarter{}, nopLogger())

	res, err := c.Provisioner.Create(context.Background(), protocol.TROJAN, 30)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Details["uri"], "trojan://"))
	assert.Contains(t, readFile(t, cfg.TrojanTLSConfig),
		`}},{"password":"`+res.Account.Secret+`","level":0,"email":"`+res.Account.Username+`"`)
}

func TestCreateSSH(t *testing.T) {
	cfg := testConfig(t, 10)
	accounts := newFakeAccounts()
	c := Build(cfg, openTestStore(t), accounts, &fakeRestarter{}, nopLogger())

	res, err := c.Provisioner.Create(context.Background(), protocol.SSH, 7)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^u[a-z0-9]{7}$`), res.Details["username"])
	assert.Len(t, res.Details["password"], 10)
	assert.Equal(t, "vpn.example.com", res.Details["host"])
	assert.Equal(t, []string{res.Details["username"]}, accounts.created)
}

func TestCreateSSHCollision(t *testing.T) {
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	c := Build(cfg, store, &allTaken{}, &fakeRestarter{}, nopLogger())

	_, err := c.Provisioner.Create(context.Background(), protocol.SSH, 3)
	assert.ErrorIs(t, err, ErrAccountCollision)

	active, err := store.CountActive(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestCreateCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1)
	restarter := &fakeRestarter{}
	c := Build(cfg, openTestStore(t), newFakeAccounts(), restarter, nopLogger())

	_, err := c.Provisioner.Create(ctx, protocol.VLESS, 3)
	require.NoError(t, err)
	before := readFile(t, cfg.VLESSTLSConfig)

	_, err = c.Provisioner.Create(ctx, protocol.VLESS, 3)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, readFile(t, cfg.VLESSTLSConfig))
	assert.Len(t, restarter.calls(), 2)
}

func TestCreateRejectsUnknownAndBadDays(t *testing.T) {
	c := Build(testConfig(t, 10), openTestStore(t), newFakeAccounts(), &fakeRestarter{}, nopLogger())

	_, err := c.Provisioner.Create(context.Background(), protocol.Protocol("wireguard"), 3)
	assert.ErrorIs(t, err, protocol.ErrUnsupported)

	for _, days := range []int{0, 366} {
		_, err = c.Provisioner.Create(context.Background(), protocol.VLESS, days)
		assert.True(t, errors.Is(err, ErrInvalidDays), "days=%d", days)
	}
}

func TestCreateSecondaryMissingIsNotFatal(t *testing.T) {
	cfg := testConfig(t, 10)
	cfg.VLESSNoneConfig = cfg.VLESSNoneConfig + ".absent"
	restarter := &fakeRestarter{}
	c := Build(cfg, openTestStore(t), newFakeAccounts(), restarter, nopLogger())

	_, err := c.Provisioner.Create(context.Background(), protocol.VLESS, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"xray@vless"}, restarter.calls())
}

// tagSequence выдаёт заранее заданные суффиксы имён по порядку
func tagSequence(tags ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		tag := tags[i%len(tags)]
		i++
		return tag, nil
	}
}

func TestCreateXrayRetriesTakenUsername(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	c := Build(cfg, openTestStore(t), newFakeAccounts(), &fakeRestarter{}, nopLogger())
	x := c.Provisioner.table[protocol.VLESS].(*XrayProvisioner)
	x.newTag = tagSequence("aaaaaa", "aaaaaa", "bbbbbb")

	first, err := c.Provisioner.Create(ctx, protocol.VLESS, 3)
	require.NoError(t, err)
	assert.Equal(t, "uaaaaaa", first.Account.Username)

	second, err := c.Provisioner.Create(ctx, protocol.VLESS, 3)
	require.NoError(t, err)
	assert.Equal(t, "ubbbbbb", second.Account.Username)

	content := readFile(t, cfg.VLESSTLSConfig)
	assert.Equal(t, 1, strings.Count(content, "### uaaaaaa "))
	assert.Equal(t, 1, strings.Count(content, "### ubbbbbb "))
}

func TestCreateXrayUsernameSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 10)
	store := openTestStore(t)
	c := Build(cfg, store, newFakeAccounts(), &fakeRestarter{}, nopLogger())
	x := c.Provisioner.table[protocol.TROJAN].(*XrayProvisioner)
	x.newTag = tagSequence("cccccc")

	_, err := c.Provisioner.Create(ctx, protocol.TROJAN, 3)
	require.NoError(t, err)
	before := readFile(t, cfg.TrojanTLSConfig)

	_, err = c.Provisioner.Create(ctx, protocol.TROJAN, 3)
	assert.ErrorIs(t, err, ErrAccountCollision)
	assert.Equal(t, before, readFile(t, cfg.TrojanTLSConfig))

	active, err := store.CountActive(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

var errDiskFull = errors.New("database or disk is full")

// brokenStore не может записать аккаунт
type brokenStore struct{ *Store }

func (brokenStore) Add(context.Context, *Account) error { return errDiskFull }

func TestCreateRollsBackSegmentsWhenNotRecorded(t *testing.T) {
	cfg := testConfig(t, 10)
	restarter := &fakeRestarter{}
	c := Build(cfg, brokenStore{openTestStore(t)}, newFakeAccounts(), restarter, nopLogger())

	_, err := c.Provisioner.Create(context.Background(), protocol.VLESS, 3)
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, tlsTemplate, readFile(t, cfg.VLESSTLSConfig))
	assert.Equal(t, noneTemplate, readFile(t, cfg.VLESSNoneConfig))
	assert.Equal(t, []string{"xray@vless", "xray@none", "xray@vless", "xray@none"}, restarter.calls())
}

func TestCreateRollsBackOSAccountWhenNotRecorded(t *testing.T) {
	accounts := newFakeAccounts()
	c := Build(testConfig(t, 10), brokenStore{openTestStore(t)}, accounts, &fakeRestarter{}, nopLogger())

	_, err := c.Provisioner.Create(context.Background(), protocol.SSH, 3)
	require.ErrorIs(t, err, errDiskFull)

	require.Len(t, accounts.created, 1)
	assert.Equal(t, accounts.created, accounts.deleted)
}
