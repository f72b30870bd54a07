package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const StateSchemaVersion = 1

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusValidating        Status = "VALIDATING"
	StatusProvisioning      Status = "PROVISIONING"
	StatusSyncingFiles      Status = "SYNCING_FILES"
	StatusBuilding          Status = "BUILDING"
	StatusDeploying         Status = "DEPLOYING"
	StatusConfiguringDomain Status = "CONFIGURING_DOMAIN"
	StatusFinalizing        Status = "FINALIZING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// forward edges of the pipeline; FAILED and CANCELLED are reachable from
// every non-terminal status and are not listed here.
var forward = map[Status][]Status{
	StatusPending:           {StatusValidating},
	StatusValidating:        {StatusProvisioning},
	StatusProvisioning:      {StatusSyncingFiles},
	StatusSyncingFiles:      {StatusBuilding},
	StatusBuilding:          {StatusDeploying},
	StatusDeploying:         {StatusConfiguringDomain, StatusFinalizing},
	StatusConfiguringDomain: {StatusFinalizing},
	StatusFinalizing:        {StatusCompleted},
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := forward[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Re-entering the current non-terminal status is allowed so a redelivered
// message can retry the step it was on.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Owner struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
}

// Key is the partition key of the deployment store.
func (o Owner) Key() string {
	return o.OrganizationID + ":" + o.UserID
}

func (o Owner) Valid() bool {
	return strings.TrimSpace(o.OrganizationID) != "" && strings.TrimSpace(o.UserID) != ""
}

func ParseOwnerKey(key string) (Owner, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Owner{}, errors.Errorf("malformed owner key %q", key)
	}
	return Owner{OrganizationID: parts[0], UserID: parts[1]}, nil
}

// DeploymentParams is the request payload a client submits.
type DeploymentParams struct {
	TargetID     string            `json:"targetId"`
	CustomDomain string            `json:"customDomain,omitempty"`
	Owner        Owner             `json:"owner"`
	Variables    map[string]string `json:"variables,omitempty"`
}

func (p DeploymentParams) Validate() error {
	if strings.TrimSpace(p.TargetID) == "" {
		return NewValidationError("targetId is required")
	}
	if !p.Owner.Valid() {
		return NewValidationError("owner organizationId and userId are required")
	}
	return nil
}

// RunConfig holds per-run overrides.
type RunConfig struct {
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	SkipSteps      []string `json:"skipSteps,omitempty"`
	Debug          bool     `json:"debug,omitempty"`
}

// DeploymentConfig is captured once when the state is created and never
// changed afterwards.
type DeploymentConfig struct {
	TargetID       string   `json:"targetId"`
	CustomDomain   string   `json:"customDomain,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	SkipSteps      []string `json:"skipSteps,omitempty"`
	Debug          bool     `json:"debug,omitempty"`
}

type StepResult struct {
	Name       string                 `json:"name"`
	Success    bool                   `json:"success"`
	Skipped    bool                   `json:"skipped,omitempty"`
	DurationMs int64                  `json:"durationMs"`
	Attempts   int                    `json:"attempts,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type DeploymentError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DeploymentState struct {
	SchemaVersion int              `json:"schemaVersion"`
	DeploymentID  string           `json:"deploymentId"`
	Status        Status           `json:"status"`
	Progress      int              `json:"progress"`
	Stage         string           `json:"stage"`
	Config        DeploymentConfig `json:"config"`
	Params        DeploymentParams `json:"params"`
	StepResults   []StepResult     `json:"stepResults"`
	Owner         Owner            `json:"owner"`
	Priority      int              `json:"priority"`
	Output        string           `json:"output,omitempty"`
	Attempts      int              `json:"attempts"`
	Version       int64            `json:"version"`
	StartedAt     time.Time        `json:"startedAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	Error         *DeploymentError `json:"error,omitempty"`
}

func NewDeploymentState(msg *QueueMessage, now time.Time) *DeploymentState {
	cfg := DeploymentConfig{
		TargetID:     msg.Params.TargetID,
		CustomDomain: msg.Params.CustomDomain,
	}
	if msg.Config != nil {
		cfg.TimeoutSeconds = msg.Config.TimeoutSeconds
		cfg.SkipSteps = append([]string(nil), msg.Config.SkipSteps...)
		cfg.Debug = msg.Config.Debug
	}
	return &DeploymentState{
		SchemaVersion: StateSchemaVersion,
		DeploymentID:  msg.Metadata.DeploymentID,
		Status:        StatusPending,
		Stage:         "queued",
		Config:        cfg,
		Params:        msg.Params,
		StepResults:   []StepResult{},
		Owner:         msg.Metadata.Owner,
		Priority:      msg.Metadata.Priority,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the state along an edge of the state machine.
func (s *DeploymentState) Transition(to Status, stage string, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, to)
	}
	s.Status = to
	if stage != "" {
		s.Stage = stage
	}
	s.UpdatedAt = now
	if to.IsTerminal() && s.CompletedAt == nil {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// Advance raises progress; it never lowers it while the run is live.
func (s *DeploymentState) Advance(progress int) {
	if progress > 100 {
		progress = 100
	}
	if progress > s.Progress {
		s.Progress = progress
	}
}

func (s *DeploymentState) StepResult(name string) (StepResult, bool) {
	for _, r := range s.StepResults {
		if r.Name == name {
			return r, true
		}
	}
	return StepResult{}, false
}

func (s *DeploymentState) Succeeded(name string) bool {
	r, ok := s.StepResult(name)
	return ok && r.Success
}

// StepData returns the data emitted by every successful step so far.
func (s *DeploymentState) StepData() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(s.StepResults))
	for _, r := range s.StepResults {
		if r.Success && r.Data != nil {
			out[r.Name] = r.Data
		}
	}
	return out
}

// RecordStep appends or replaces the result for a step. A successful result
// is never replaced.
func (s *DeploymentState) RecordStep(result StepResult, now time.Time) {
	for i, r := range s.StepResults {
		if r.Name == result.Name {
			if r.Success {
				return
			}
			s.StepResults[i] = result
			s.UpdatedAt = now
			return
		}
	}
	s.StepResults = append(s.StepResults, result)
	s.UpdatedAt = now
}

func (s *DeploymentState) SetError(err error, now time.Time) {
	if err == nil {
		s.Error = nil
		return
	}
	s.Error = &DeploymentError{
		Code:      Classify(err),
		Message:   err.Error(),
		Step:      StepOf(err),
		Timestamp: now,
	}
}

// Fail commits the terminal FAILED status with err as the fatal error.
func (s *DeploymentState) Fail(err error, now time.Time) error {
	s.SetError(err, now)
	return s.Transition(StatusFailed, "failed", now)
}

func (s *DeploymentState) Result() DeploymentResult {
	res := DeploymentResult{
		Success:      s.Status == StatusCompleted,
		DeploymentID: s.DeploymentID,
		Status:       s.Status,
		Output:       s.Output,
	}
	if s.Error != nil {
		res.Error = s.Error.Message
	}
	end := s.UpdatedAt
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	res.DurationMs = end.Sub(s.StartedAt).Milliseconds()
	return res
}

// DeploymentResult is returned by the workflow engine for a single run.
type DeploymentResult struct {
	Success      bool   `json:"success"`
	DeploymentID string `json:"deploymentId"`
	Status       Status `json:"status"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}
