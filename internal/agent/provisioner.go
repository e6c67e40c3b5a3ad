package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fvpn/internal/protocol"
	"fvpn/internal/xray"
)

var (
	ErrCapacityExceeded = errors.New("server full")
	ErrAccountCollision = errors.New("username space exhausted")
	ErrInvalidDays      = errors.New("days must be within 1..365")
)

const (
	maxDays              = 365
	usernameAttempts     = 30
	usernameAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	passwordAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sshUsernameLength    = 7
	sshPasswordLength    = 10
	xrayUsernameHexBytes = 3
)

// Request: параметры создания одного аккаунта
type Request struct {
	Days int
	Now  time.Time
}

// Result: созданный аккаунт и данные для клиента
type Result struct {
	Account Account
	Details map[string]string
}

// AccountProvisioner создаёт внешний артефакт аккаунта одного протокола.
// Rollback убирает артефакт, если аккаунт не удалось записать; ошибки только логируются.
type AccountProvisioner interface {
	Provision(ctx context.Context, req Request) (*Result, error)
	Rollback(ctx context.Context, acc Account)
}

// ExpiryFor: срок действия как функция момента создания и числа дней.
// SSH истекает в полночь UTC даты (useradd -e работает с датами), остальные: ровно через days суток.
func ExpiryFor(p protocol.Protocol, createdAt time.Time, days int) time.Time {
	exp := createdAt.UTC().Add(time.Duration(days) * 24 * time.Hour)
	if p == protocol.SSH {
		y, m, d := exp.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return exp
}

// Provisioner проверяет ёмкость, выбирает реализацию по протоколу и записывает аккаунт.
// Проверка "посчитал, затем создал" не защищена блокировкой между процессами: агент
// рассчитан на одного писателя.
type Provisioner struct {
	store    AccountStore
	maxUsers int
	table    map[protocol.Protocol]AccountProvisioner
	log      *zap.Logger
	now      func() time.Time
}

func NewProvisioner(store AccountStore, maxUsers int, table map[protocol.Protocol]AccountProvisioner, log *zap.Logger) *Provisioner {
	return &Provisioner{store: store, maxUsers: maxUsers, table: table, log: log, now: time.Now}
}

func (p *Provisioner) Create(ctx context.Context, proto protocol.Protocol, days int) (*Result, error) {
	impl, ok := p.table[proto]
	if !ok {
		return nil, fmt.Errorf("%s: %w", proto, protocol.ErrUnsupported)
	}
	if days < 1 || days > maxDays {
		return nil, ErrInvalidDays
	}

	now := p.now().UTC()
	active, err := p.store.CountActive(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("count active accounts: %w", err)
	}
	if active >= int64(p.maxUsers) {
		return nil, ErrCapacityExceeded
	}

	res, err := impl.Provision(ctx, Request{Days: days, Now: now})
	if err != nil {
		return nil, err
	}
	if err := p.store.Add(ctx, &res.Account); err != nil {
		p.log.Error("account created but not recorded, rolling back",
			zap.String("protocol", proto.String()), zap.String("username", res.Account.Username), zap.Error(err))
		impl.Rollback(context.WithoutCancel(ctx), res.Account)
		return nil, fmt.Errorf("record account: %w", err)
	}
	p.log.Info("account created",
		zap.String("protocol", proto.String()),
		zap.String("username", res.Account.Username),
		zap.Time("expires_at", res.Account.ExpiresAt))
	return res, nil
}

// SSHProvisioner создаёт системного пользователя
type SSHProvisioner struct {
	Accounts OSAccounts
	Host     func() string
	Log      *zap.Logger
}

func (s *SSHProvisioner) Rollback(ctx context.Context, acc Account) {
	if err := s.Accounts.Delete(ctx, acc.Username); err != nil && s.Log != nil {
		s.Log.Warn("os account not removed", zap.String("username", acc.Username), zap.Error(err))
	}
}

func (s *SSHProvisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	username, err := s.pickUsername()
	if err != nil {
		return nil, err
	}
	password, err := randomString(passwordAlphabet, sshPasswordLength)
	if err != nil {
		return nil, err
	}
	expiresAt := ExpiryFor(protocol.SSH, req.Now, req.Days)
	if err := s.Accounts.Create(ctx, username, password, expiresAt); err != nil {
		return nil, fmt.Errorf("create os account %s: %w", username, err)
	}
	return &Result{
		Account: Account{
			Protocol:  protocol.SSH,
			Username:  username,
			Secret:    password,
			CreatedAt: req.Now,
			ExpiresAt: expiresAt,
		},
		Details: map[string]string{
			"username": username,
			"password": password,
			"host":     s.Host(),
		},
	}, nil
}

func (s *SSHProvisioner) pickUsername() (string, error) {
	for i := 0; i < usernameAttempts; i++ {
		suffix, err := randomString(usernameAlphabet, sshUsernameLength)
		if err != nil {
			return "", err
		}
		candidate := "u" + suffix
		exists, err := s.Accounts.Exists(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrAccountCollision
}

// XrayTarget: файл конфига, якорь для вставки и юнит, который его читает
type XrayTarget struct {
	Path    string
	Anchor  *regexp.Regexp
	Service string
}

// XrayProvisioner добавляет клиента VLESS/TROJAN в конфиг xray.
// Primary обязателен, Secondary (non-TLS): по возможности.
type XrayProvisioner struct {
	Protocol  protocol.Protocol
	Sync      *xray.Synchronizer
	Restarter ServiceRestarter
	Primary   XrayTarget
	Secondary *XrayTarget
	Endpoint  func() xray.Endpoint
	Log       *zap.Logger

	newTag func() (string, error)
}

func (x *XrayProvisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	username, err := x.pickUsername()
	if err != nil {
		return nil, err
	}
	secret := uuid.NewString()
	expiresAt := ExpiryFor(x.Protocol, req.Now, req.Days)
	seg := xray.NewSegment(x.Protocol, username, secret, req.Now, expiresAt)

	if err := x.Sync.InsertSegment(x.Primary.Path, x.Primary.Anchor, seg.Header(), seg.Data()); err != nil {
		return nil, fmt.Errorf("insert %s segment: %w", x.Protocol, err)
	}
	x.restart(ctx, x.Primary.Service)

	if t := x.Secondary; t != nil {
		if _, err := os.Stat(t.Path); err == nil {
			if err := x.Sync.InsertSegment(t.Path, t.Anchor, seg.Header(), seg.Data()); err != nil {
				x.Log.Warn("secondary config not updated", zap.String("path", t.Path), zap.Error(err))
			} else {
				x.restart(ctx, t.Service)
			}
		}
	}

	uri, err := xray.ConnectionURI(x.Protocol, x.Endpoint(), secret, username)
	if err != nil {
		return nil, err
	}
	return &Result{
		Account: Account{
			Protocol:  x.Protocol,
			Username:  username,
			Secret:    secret,
			CreatedAt: req.Now,
			ExpiresAt: expiresAt,
		},
		Details: map[string]string{"uri": uri},
	}, nil
}

// pickUsername ищет имя, которого нет ни в одном из файлов протокола:
// удаление по истечении срока идёт по имени, дубль снял бы оба сегмента.
func (x *XrayProvisioner) pickUsername() (string, error) {
	gen := x.newTag
	if gen == nil {
		gen = func() (string, error) { return randomHex(xrayUsernameHexBytes) }
	}
	for i := 0; i < usernameAttempts; i++ {
		tag, err := gen()
		if err != nil {
			return "", err
		}
		candidate := "u" + tag
		taken, err := x.taken(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrAccountCollision
}

func (x *XrayProvisioner) taken(username string) (bool, error) {
	for _, t := range x.targets() {
		found, err := x.Sync.HasSegmentFor(t.Path, username)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func (x *XrayProvisioner) targets() []XrayTarget {
	if x.Secondary == nil {
		return []XrayTarget{x.Primary}
	}
	return []XrayTarget{x.Primary, *x.Secondary}
}

// Rollback снимает сегменты аккаунта и перезапускает изменённые файлы
func (x *XrayProvisioner) Rollback(ctx context.Context, acc Account) {
	for _, t := range x.targets() {
		changed, err := x.Sync.RemoveSegmentFor(t.Path, acc.Username)
		if err != nil {
			x.Log.Warn("segment not rolled back", zap.String("path", t.Path), zap.String("username", acc.Username), zap.Error(err))
			continue
		}
		if changed {
			x.restart(ctx, t.Service)
		}
	}
}

func (x *XrayProvisioner) restart(ctx context.Context, unit string) {
	if err := x.Restarter.Restart(ctx, unit); err != nil {
		x.Log.Warn("restart failed", zap.String("unit", unit), zap.Error(err))
	}
}

func randomString(alphabet string, n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
