package protocol

import (
	"errors"
	"strings"
)

// Protocol: тип выдаваемого аккаунта
type Protocol string

const (
	SSH    Protocol = "ssh"
	VLESS  Protocol = "vless"
	TROJAN Protocol = "trojan"
)

var ErrUnsupported = errors.New("unsupported protocol")

// Parse принимает имя протокола без учёта регистра и пробелов
func Parse(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case SSH, VLESS, TROJAN:
		return p, nil
	}
	return "", ErrUnsupported
}

func (p Protocol) String() string {
	return string(p)
}

// UsesXray: протоколы, которые живут в конфиге xray, а не в системных пользователях
func (p Protocol) UsesXray() bool {
	return p == VLESS || p == TROJAN
}
