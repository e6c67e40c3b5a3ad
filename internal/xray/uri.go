package xray

import (
	"fmt"

	"fvpn/internal/protocol"
)

// Endpoint: публичные параметры подключения к ws+tls инбаунду
type Endpoint struct {
	Domain  string
	TLSPort int
	WSPath  string
}

// ConnectionURI строит ссылку vless:// или trojan:// для клиента
func ConnectionURI(p protocol.Protocol, ep Endpoint, secret, username string) (string, error) {
	switch p {
	case protocol.VLESS:
		return fmt.Sprintf("vless://%s@%s:%d?type=ws&encryption=none&security=tls&sni=%s&host=%s&path=%s#%s",
			secret, ep.Domain, ep.TLSPort, ep.Domain, ep.Domain, ep.WSPath, username), nil
	case protocol.TROJAN:
		return fmt.Sprintf("trojan://%s@%s:%d?type=ws&security=tls&sni=%s&host=%s&path=%s#%s",
			secret, ep.Domain, ep.TLSPort, ep.Domain, ep.Domain, ep.WSPath, username), nil
	}
	return "", fmt.Errorf("connection uri for %s: %w", p, protocol.ErrUnsupported)
}
