package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"

	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type DeploymentHandler struct {
	producer    ports.Producer
	service     ports.DeploymentService
	deadLetters ports.DeadLetterReader
	logger      zerolog.Logger
}

type CreateDeploymentRequest struct {
	TargetID     string            `json:"targetId" binding:"required"`
	CustomDomain string            `json:"customDomain"`
	Variables    map[string]string `json:"variables"`
	Config       *domain.RunConfig `json:"config"`
}

type ScheduleDeploymentRequest struct {
	CreateDeploymentRequest
	DelaySeconds int `json:"delaySeconds"`
}

type DeploymentAccepted struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
}

type ListDeploymentsResponse struct {
	Deployments   []*domain.DeploymentState `json:"deployments"`
	NextPageToken string                    `json:"nextPageToken,omitempty"`
}

// NewDeploymentHandler wires the handlers. deadLetters may be nil when the
// transport does not keep inspectable dead letters.
func NewDeploymentHandler(producer ports.Producer, service ports.DeploymentService, deadLetters ports.DeadLetterReader, logger zerolog.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		producer:    producer,
		service:     service,
		deadLetters: deadLetters,
		logger:      logger.With().Str("component", "http").Logger(),
	}
}

func (h *DeploymentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	deployments := rg.Group("/deployments", h.requireOwner)
	{
		deployments.POST("", h.CreateDeployment)
		deployments.POST("/schedule", h.ScheduleDeployment)
		deployments.POST("/urgent", h.CreateUrgentDeployment)
		deployments.GET("", h.ListDeployments)
		deployments.GET("/:id", h.GetDeployment)
		deployments.POST("/:id/cancel", h.CancelDeployment)
		deployments.DELETE("/:id", h.DeleteDeployment)
	}
	rg.GET("/dead-letters", h.requireOwner, h.ListDeadLetters)
}

const ownerKey = "owner"

// requireOwner resolves the caller from the identity headers set by the
// authenticating proxy in front of the API.
func (h *DeploymentHandler) requireOwner(c *gin.Context) {
	owner := domain.Owner{
		OrganizationID: c.GetHeader(HeaderOrganizationID),
		UserID:         c.GetHeader(HeaderUserID),
	}
	if !owner.Valid() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization and user headers are required"})
		return
	}
	c.Set(ownerKey, owner)
	c.Next()
}

func ownerOf(c *gin.Context) domain.Owner {
	return c.MustGet(ownerKey).(domain.Owner)
}

func (r CreateDeploymentRequest) params(owner domain.Owner) domain.DeploymentParams {
	return domain.DeploymentParams{
		TargetID:     r.TargetID,
		CustomDomain: r.CustomDomain,
		Owner:        owner,
		Variables:    r.Variables,
	}
}

func (h *DeploymentHandler) CreateDeployment(c *gin.Context) {
	var req CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.producer.Enqueue(c.Request.Context(), req.params(ownerOf(c)), req.Config)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DeploymentAccepted{DeploymentID: id, Status: "queued"})
}

func (h *DeploymentHandler) ScheduleDeployment(c *gin.Context) {
	var req ScheduleDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	id, err := h.producer.Schedule(c.Request.Context(), req.params(ownerOf(c)), delay, req.Config)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DeploymentAccepted{DeploymentID: id, Status: "scheduled"})
}

func (h *DeploymentHandler) CreateUrgentDeployment(c *gin.Context) {
	var req CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.producer.SendUrgent(c.Request.Context(), req.params(ownerOf(c)))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DeploymentAccepted{DeploymentID: id, Status: "queued"})
}

func (h *DeploymentHandler) GetDeployment(c *gin.Context) {
	state, err := h.service.Get(c.Request.Context(), c.Param("id"), ownerOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

func (h *DeploymentHandler) ListDeployments(c *gin.Context) {
	filter := ports.ListFilter{Status: domain.Status(c.Query("status"))}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	states, next, err := h.service.List(c.Request.Context(), ownerOf(c), filter, c.Query("pageToken"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if states == nil {
		states = []*domain.DeploymentState{}
	}

	c.JSON(http.StatusOK, ListDeploymentsResponse{Deployments: states, NextPageToken: next})
}

func (h *DeploymentHandler) CancelDeployment(c *gin.Context) {
	state, err := h.service.Cancel(c.Request.Context(), c.Param("id"), ownerOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

func (h *DeploymentHandler) DeleteDeployment(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), ownerOf(c)); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Deployment deleted"})
}

// ListDeadLetters returns the caller's dead-lettered messages, newest first.
// Records whose body could not be decoded carry no owner and are never listed.
func (h *DeploymentHandler) ListDeadLetters(c *gin.Context) {
	if h.deadLetters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "dead letters are not available on this transport"})
		return
	}
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}

	all, err := h.deadLetters.DeadLetters(c.Request.Context(), maxDeadLetterLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	owner := ownerOf(c)
	records := lo.Filter(all, func(rec domain.DeadLetterRecord, _ int) bool {
		return rec.Message != nil && rec.Message.Metadata.Owner == owner
	})
	if len(records) > limit {
		records = records[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"deadLetters": records})
}

func (h *DeploymentHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := gin.H{"error": err.Error()}
	var derr *domain.Error
	if errors.As(err, &derr) {
		body["code"] = derr.Code
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeploymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	}
	switch domain.Classify(err) {
	case domain.CodeValidation, domain.CodeInvalidMessage:
		return http.StatusBadRequest
	case domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeTransient, domain.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
