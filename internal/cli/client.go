package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/api"
	"vibe-trader/internal/errors"
)

// controlClient talks to a running agent over its HTTP API.
type controlClient struct {
	client *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

func newControlClient(baseURL string) *controlClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/api").
		SetTimeout(5*time.Second).
		SetHeader("Accept", "application/json")
	return &controlClient{client: client}
}

// Status fetches the agent status. A server without a live agent answers
// with the persisted state, which is mapped onto the same shape.
func (c *controlClient) Status(ctx context.Context) (*agents.AgentStatus, error) {
	var status agents.AgentStatus
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&status).
		SetError(&apiErr).
		Get("/status")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, responseError(resp.StatusCode(), apiErr)
	}

	if status.State == "" {
		switch {
		case status.Running && status.Paused:
			status.State = agents.StatePaused
		case status.Running:
			status.State = agents.StateRunning
		default:
			status.State = agents.StateStopped
		}
	}
	return &status, nil
}

// Control sends pause, resume or stop and returns the resulting state.
func (c *controlClient) Control(ctx context.Context, action string) (string, error) {
	var result map[string]string
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(api.ControlRequest{Action: action}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/agent/control")
	if err != nil {
		return "", errors.Wrap(err, "agent API unreachable; is `vibe-trader run` active?")
	}
	if resp.IsError() {
		return "", responseError(resp.StatusCode(), apiErr)
	}
	return result["status"], nil
}

func responseError(status int, apiErr apiError) error {
	if apiErr.Error == "" {
		return fmt.Errorf("agent API returned HTTP %d", status)
	}
	if strings.Contains(apiErr.Error, errors.ErrAgentNotRunning.Error()) {
		return errors.ErrAgentNotRunning
	}
	return fmt.Errorf("agent API returned HTTP %d: %s", status, apiErr.Error)
}
