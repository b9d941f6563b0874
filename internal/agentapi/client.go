package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StartRequest describes an agent session to launch. CallbackID is the
// orchestrator's own session id; the workspace echoes it in status webhooks
// so updates land on the right row.
type StartRequest struct {
	Prompt     string `json:"prompt"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	CallbackID string `json:"callback_id,omitempty"`
}

// Session is the handle returned by the workspace API.
type Session struct {
	ID string `json:"id"`
}

// Client talks to the agent workspace API. The API is a small bespoke REST
// surface: POST /v1/sessions starts an agent, DELETE /v1/sessions/:id stops
// one.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("agentapi"),
	}
}

// StartSession launches an agent session and returns its external id.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("start agent session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("start agent session: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("start agent session: response missing id")
	}

	c.logger.Info("agent session started", zap.String("session_id", session.ID), zap.String("branch", req.Branch))
	return session.ID, nil
}

// StopSession tears down an agent session. A 404 is not an error; the
// session may already be gone.
func (c *Client) StopSession(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/sessions/"+id, nil)
	if err != nil {
		return fmt.Errorf("build stop request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stop agent session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stop agent session: status %d", resp.StatusCode)
	}
	return nil
}
