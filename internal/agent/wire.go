package agent

import (
	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/protocol"
	"fvpn/internal/xray"
)

var domainFallbacks = []string{"/etc/xray/domain", "/root/domain"}

// Targets: какие файлы конфига затрагивает каждый xray-протокол
func Targets(cfg config.AgentConfig) map[protocol.Protocol][]XrayTarget {
	return map[protocol.Protocol][]XrayTarget{
		protocol.VLESS: {
			{Path: cfg.VLESSTLSConfig, Anchor: xray.AnchorTLS, Service: cfg.RestartVLESSService},
			{Path: cfg.VLESSNoneConfig, Anchor: xray.AnchorNone, Service: cfg.RestartVLESSNoneService},
		},
		protocol.TROJAN: {
			{Path: cfg.TrojanTLSConfig, Anchor: xray.AnchorTLS, Service: cfg.RestartTrojanService},
		},
	}
}

// Components: собранный агент
type Components struct {
	Provisioner *Provisioner
	Reconciler  *ExpiryReconciler
	Server      *Server
}

// Build собирает таблицу протоколов и HTTP-сервер поверх готового хранилища
func Build(cfg config.AgentConfig, store AccountStore, accounts OSAccounts, restarter ServiceRestarter, log *zap.Logger) Components {
	sync := xray.NewSynchronizer()
	targets := Targets(cfg)

	host := func() string {
		return ResolveDomain(append([]string{cfg.DomainFile}, domainFallbacks...), cfg.FallbackHost)
	}
	endpoint := func(path string) func() xray.Endpoint {
		return func() xray.Endpoint {
			return xray.Endpoint{Domain: host(), TLSPort: cfg.PublicTLSPort, WSPath: path}
		}
	}

	vless := targets[protocol.VLESS]
	table := map[protocol.Protocol]AccountProvisioner{
		protocol.SSH: &SSHProvisioner{Accounts: accounts, Host: host, Log: log},
		protocol.VLESS: &XrayProvisioner{
			Protocol:  protocol.VLESS,
			Sync:      sync,
			Restarter: restarter,
			Primary:   vless[0],
			Secondary: &vless[1],
			Endpoint:  endpoint(cfg.VLESSWSPath),
			Log:       log,
		},
		protocol.TROJAN: &XrayProvisioner{
			Protocol:  protocol.TROJAN,
			Sync:      sync,
			Restarter: restarter,
			Primary:   targets[protocol.TROJAN][0],
			Endpoint:  endpoint(cfg.TrojanWSPath),
			Log:       log,
		},
	}

	prov := NewProvisioner(store, cfg.MaxUsers, table, log)
	rec := NewExpiryReconciler(store, sync, accounts, restarter, targets, log)
	return Components{
		Provisioner: prov,
		Reconciler:  rec,
		Server:      NewServer(cfg.APIKey, cfg.MaxUsers, store, rec, prov, log),
	}
}
