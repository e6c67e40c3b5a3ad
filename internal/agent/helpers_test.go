package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fvpn/config"
)

type fakeAccounts struct {
	mu        sync.Mutex
	existing  map[string]bool
	created   []string
	deleted   []string
	deleteErr error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{existing: map[string]bool{}}
}

func (f *fakeAccounts) Exists(username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[username], nil
}

func (f *fakeAccounts) Create(_ context.Context, username, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing[username] = true
	f.created = append(f.created, username)
	return nil
}

func (f *fakeAccounts) Delete(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, username)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.existing, username)
	return nil
}

// allTaken считает занятым любое имя
type allTaken struct{ fakeAccounts }

func (*allTaken) Exists(string) (bool, error) { return true, nil }

type fakeRestarter struct {
	mu    sync.Mutex
	units []string
	err   error
}

func (f *fakeRestarter) Restart(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, unit)
	return f.err
}

func (f *fakeRestarter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.units...)
}

var errUserdel = errors.New("userdel: user is logged in")

const tlsTemplate = `{
  "inbounds": [{
    "settings": {
      "clients": [
        {"id": "00000000-0000-0000-0000-000000000000"
#tls
        }
      ]
    }
  }]
}
`

const noneTemplate = `{
  "inbounds": [{
    "settings": {
      "clients": [
        {"id": "00000000-0000-0000-0000-000000000000"
#none
        }
      ]
    }
  }]
}
`

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testConfig раскладывает шаблоны xray во временный каталог
func testConfig(t *testing.T, maxUsers int) config.AgentConfig {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}
	return config.AgentConfig{
		APIKey:                  "secret",
		MaxUsers:                maxUsers,
		DomainFile:              write("domain", "vpn.example.com\n"),
		FallbackHost:            "203.0.113.7",
		PublicTLSPort:           443,
		VLESSTLSConfig:          write("vless.json", tlsTemplate),
		VLESSNoneConfig:         write("vnone.json", noneTemplate),
		TrojanTLSConfig:         write("trojanws.json", tlsTemplate),
		VLESSWSPath:             "/vless",
		TrojanWSPath:            "/trojan",
		RestartVLESSService:     "xray@vless",
		RestartVLESSNoneService: "xray@none",
		RestartTrojanService:    "xray@trojanws",
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func nopLogger() *zap.Logger { return zap.NewNop() }

// setClock фиксирует время во всех компонентах агента
func setClock(c Components, now func() time.Time) {
	c.Provisioner.now = now
	c.Reconciler.now = now
	c.Server.now = now
}
