// Package integrations forwards deploy and VCS requests to an external
// integrations service. Payloads pass through opaquely; only the outcome is
// folded back into the project's event stream.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/pkg/events"
)

const requestTimeout = 30 * time.Second

// maxResponseSize caps how much of an integration response is read back
const maxResponseSize = 4 * 1024 * 1024

// Client proxies integration actions for projects
type Client struct {
	baseURL string
	http    *http.Client
	relay   *relay.Relay
	logger  *logger.Logger
}

// NewClient creates an integrations client for the given service URL
func NewClient(baseURL string, r *relay.Relay, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		relay:   r,
		logger:  log.WithFields(zap.String("component", "integrations")),
	}
}

// Forward posts an opaque payload to the integrations service for the given
// action (for example "deploy" or "vcs/push") and returns the raw response.
// The outcome is published to the project's event stream either way.
func (c *Client) Forward(ctx context.Context, projectID, action string, payload json.RawMessage) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Project-ID", projectID)

	resp, err := c.http.Do(req)
	if err != nil {
		c.publishOutcome(projectID, action, false, err.Error())
		return nil, apperrors.Wrap(err, "integrations service unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.publishOutcome(projectID, action, false, err.Error())
		return nil, err
	}

	if resp.StatusCode >= 400 {
		detail := fmt.Sprintf("%s returned %d", action, resp.StatusCode)
		c.publishOutcome(projectID, action, false, detail)
		return body, fmt.Errorf("integration %s failed with status %d", action, resp.StatusCode)
	}

	c.publishOutcome(projectID, action, true, "")
	return body, nil
}

func (c *Client) publishOutcome(projectID, action string, success bool, detail string) {
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	msg := fmt.Sprintf("integration %s %s", action, outcome)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}

	c.relay.Publish(events.NewStatusChange(projectID, "", "", msg))
	if success {
		c.logger.Info("Integration completed",
			zap.String("project_id", projectID), zap.String("action", action))
	} else {
		c.logger.Warn("Integration failed",
			zap.String("project_id", projectID),
			zap.String("action", action),
			zap.String("detail", detail))
	}
}
