package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fvpn/internal/db"
	"fvpn/internal/protocol"
)

// ErrAgentUnreachable: таймаут, сетевая ошибка или ответ не 2xx
var ErrAgentUnreachable = errors.New("agent unreachable")

// AgentError: агент ответил, но отказал (server_full, unsupported_protocol, ...)
type AgentError struct {
	Code string
}

func (e *AgentError) Error() string {
	return "agent refused: " + e.Code
}

type AgentStats struct {
	ActiveUsers int `json:"active_users"`
	MaxUsers    int `json:"max_users"`
}

// AgentAccount: ответ агента на /create
type AgentAccount struct {
	Protocol  string            `json:"protocol"`
	CreatedAt string            `json:"created_at"`
	ExpiresAt string            `json:"expires_at"`
	Details   map[string]string `json:"details"`
}

// Agents: удалённые агенты с точки зрения менеджера
type Agents interface {
	Stats(ctx context.Context, s db.Server, timeout time.Duration) (*AgentStats, error)
	Create(ctx context.Context, s db.Server, p protocol.Protocol, days int, timeout time.Duration) (*AgentAccount, error)
}

// AgentClient ходит к агентам по HTTP с заголовком X-API-Key
type AgentClient struct {
	HTTP *http.Client
}

func NewAgentClient() *AgentClient {
	return &AgentClient{HTTP: &http.Client{}}
}

type agentEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *AgentClient) Stats(ctx context.Context, s db.Server, timeout time.Duration) (*AgentStats, error) {
	var out struct {
		agentEnvelope
		AgentStats
	}
	if err := c.call(ctx, s, http.MethodGet, "/stats", nil, timeout, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, &AgentError{Code: out.Error}
	}
	return &out.AgentStats, nil
}

func (c *AgentClient) Create(ctx context.Context, s db.Server, p protocol.Protocol, days int, timeout time.Duration) (*AgentAccount, error) {
	payload := map[string]any{"protocol": p.String(), "days": days}
	var out struct {
		agentEnvelope
		AgentAccount
	}
	if err := c.call(ctx, s, http.MethodPost, "/create", payload, timeout, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, &AgentError{Code: out.Error}
	}
	return &out.AgentAccount, nil
}

func (c *AgentClient) call(ctx context.Context, s db.Server, method, path string, payload any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, s.Name, err)
	}
	req.Header.Set("X-API-Key", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, s.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d", ErrAgentUnreachable, s.Name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrAgentUnreachable, s.Name, err)
	}
	return nil
}
