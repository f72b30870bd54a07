package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type stepRequest struct {
	DeploymentID string                            `json:"deploymentId"`
	Step         string                            `json:"step"`
	Attempt      int                               `json:"attempt"`
	Params       domain.DeploymentParams           `json:"params"`
	Config       domain.DeploymentConfig           `json:"config"`
	Prior        map[string]map[string]interface{} `json:"prior,omitempty"`
}

type stepResponse struct {
	Data  map[string]interface{} `json:"data"`
	Error string                 `json:"error"`
}

// HTTPStep calls an external provisioning service at POST {base}/steps/{name}.
// Response codes map onto the error taxonomy: 400/404/409/422 are validation
// errors, 429 is a quota error, everything else is transient.
func HTTPStep(client *http.Client, cfg HTTPConfig, name string) ports.StepFunc {
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/steps/" + name
	return func(ctx context.Context, sc ports.StepContext) (map[string]interface{}, error) {
		prior := make(map[string]map[string]interface{})
		for _, r := range sc.Results {
			if r.Success && r.Data != nil {
				prior[r.Name] = r.Data
			}
		}
		payload, err := json.Marshal(stepRequest{
			DeploymentID: sc.DeploymentID,
			Step:         name,
			Attempt:      sc.Attempt,
			Params:       sc.Params,
			Config:       sc.Config,
			Prior:        prior,
		})
		if err != nil {
			return nil, errors.Wrap(err, "encode step request")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrap(err, "build step request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", sc.DeploymentID, name))
		if cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Token)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, domain.NewTimeoutError(err, "step service did not answer in time")
			}
			return nil, domain.NewTransientError(err, "call step service")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, domain.NewTransientError(err, "read step response")
		}
		var out stepResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode < 300 {
				return nil, domain.NewTransientError(err, "decode step response")
			}
		}

		if resp.StatusCode < 300 {
			return out.Data, nil
		}
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
			return nil, domain.NewValidationError("%s", msg)
		case http.StatusTooManyRequests:
			return nil, domain.NewQuotaExceededError(msg)
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return nil, domain.NewTimeoutError(nil, msg)
		default:
			return nil, domain.NewTransientError(nil, msg)
		}
	}
}

// NewHTTPRegistry registers HTTPStep for every canonical step and cleanup.
func NewHTTPRegistry(cfg HTTPConfig) (*Registry, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("step service url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	client := &http.Client{Timeout: timeout}

	r := NewRegistry()
	names := append(append([]string{}, domain.CanonicalSteps...), domain.StepCleanup)
	for _, name := range names {
		if err := r.Register(name, HTTPStep(client, cfg, name)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
