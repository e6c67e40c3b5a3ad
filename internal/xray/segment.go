package xray

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"fvpn/internal/protocol"
)

const (
	headerPrefix = "### "
	dateLayout   = "2006-01-02"
)

// Якоря шаблона multiport: сегменты вставляются сразу после строки, заканчивающейся на #tls / #none
var (
	AnchorTLS  = regexp.MustCompile(`#tls\s*$`)
	AnchorNone = regexp.MustCompile(`#none\s*$`)
)

// Segment: пара строк (заголовок + клиент) одного аккаунта в общем конфиге xray
type Segment struct {
	Protocol    protocol.Protocol
	Username    string
	ExpiryDate  string
	CreatedDate string
	Secret      string
}

// Header возвращает строку-комментарий "### user exp created secret"
func (s Segment) Header() string {
	return fmt.Sprintf("%s%s %s %s %s", headerPrefix, s.Username, s.ExpiryDate, s.CreatedDate, s.Secret)
}

// Data возвращает фрагмент клиента в грамматике протокола
func (s Segment) Data() string {
	if s.Protocol == protocol.TROJAN {
		return fmt.Sprintf(`}},{"password":"%s","level":0,"email":"%s"`, s.Secret, s.Username)
	}
	return fmt.Sprintf(`}},{"id":"%s","email":"%s"`, s.Secret, s.Username)
}

// headerToken возвращает имя пользователя из строки-заголовка или false, если это не заголовок
func headerToken(line string) (string, bool) {
	if !strings.HasPrefix(line, headerPrefix) {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", false
	}
	return fields[1], true
}

// NewSegment собирает сегмент с датами в UTC
func NewSegment(p protocol.Protocol, username, secret string, createdAt, expiresAt time.Time) Segment {
	return Segment{
		Protocol:    p,
		Username:    username,
		ExpiryDate:  expiresAt.UTC().Format(dateLayout),
		CreatedDate: createdAt.UTC().Format(dateLayout),
		Secret:      secret,
	}
}
