package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

// apiClient calls the session server's REST endpoints.
type apiClient struct {
	rest *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

type createResponse struct {
	Session   session.Session `json:"session"`
	WebSocket string          `json:"websocket"`
}

type listResponse struct {
	Sessions []session.Session `json:"sessions"`
	Count    int               `json:"count"`
}

type getResponse struct {
	Session session.Session `json:"session"`
}

type execResponse struct {
	Output   string `json:"output"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

func newAPIClient(server string, timeout time.Duration) *apiClient {
	return &apiClient{
		rest: resty.New().
			SetBaseURL(server).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetJSONMarshaler(protocol.Marshal).
			SetJSONUnmarshaler(protocol.Unmarshal),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any, want int) error {
	var apiErr apiError
	req := c.rest.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != want {
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode())
	}
	return nil
}

func (c *apiClient) create(ctx context.Context, cfg session.ContainerConfig) (createResponse, error) {
	var out createResponse
	err := c.do(ctx, http.MethodPost, "/sessions", cfg, &out, http.StatusCreated)
	return out, err
}

func (c *apiClient) list(ctx context.Context) ([]session.Session, error) {
	var out listResponse
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out, http.StatusOK)
	return out.Sessions, err
}

func (c *apiClient) get(ctx context.Context, sessionID string) (session.Session, error) {
	var out getResponse
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &out, http.StatusOK)
	return out.Session, err
}

func (c *apiClient) exec(ctx context.Context, sessionID string, cmd []string) (execResponse, error) {
	var out execResponse
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/exec", map[string]any{"cmd": cmd}, &out, http.StatusOK)
	return out, err
}

func (c *apiClient) stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil, http.StatusOK)
}
