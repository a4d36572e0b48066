package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homeport-sh/homeport/internal/api/middleware"
	"github.com/homeport-sh/homeport/internal/cache"
	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/metrics"
	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/queue"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/store"
)

const defaultListLimit = 50

// DeploymentHandler handles deployment lifecycle requests.
type DeploymentHandler struct {
	store   store.Store
	tracker *lifecycle.Tracker
	queue   queue.Queue
	cache   cache.Cache
	secrets *secrets.Service
	metrics *metrics.Metrics
	viewTTL time.Duration
	logger  *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler. The secrets service
// and metrics may be nil; the cache may be a no-op.
func NewDeploymentHandler(st store.Store, trk *lifecycle.Tracker, q queue.Queue, c cache.Cache, sec *secrets.Service, m *metrics.Metrics, viewTTL time.Duration, logger *slog.Logger) *DeploymentHandler {
	if c == nil {
		c = cache.NewNoop()
	}
	if viewTTL <= 0 {
		viewTTL = 5 * time.Second
	}
	return &DeploymentHandler{
		store:   st,
		tracker: trk,
		queue:   q,
		cache:   c,
		secrets: sec,
		metrics: m,
		viewTTL: viewTTL,
		logger:  logger,
	}
}

// DeployRequest represents the request body for deploying a template.
type DeployRequest struct {
	AppName   string            `json:"app_name"`
	Variables map[string]string `json:"variables,omitempty"`
	StartedBy string            `json:"started_by,omitempty"`
}

func viewCacheKey(deploymentID string) string {
	return "deployment:view:" + deploymentID
}

// Deploy handles POST /v1/templates/:templateID/deploy - creates a deployment
// record and enqueues the install.
func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	template, err := h.store.Templates().Get(r.Context(), templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Template not found")
			return
		}
		h.logger.Error("failed to get template", "error", err, "template_id", templateID)
		WriteInternalError(w, "Failed to get template")
		return
	}

	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AppName == "" {
		WriteBadRequest(w, "app_name is required")
		return
	}

	variables, problems := h.resolveVariables(template, req.Variables)
	if len(problems) > 0 {
		WriteErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid variables", problems)
		return
	}

	startedBy := middleware.GetOperator(r.Context())
	if startedBy == "" {
		startedBy = req.StartedBy
	}

	deployment, err := h.tracker.Create(r.Context(), lifecycle.CreateParams{
		DeploymentID: uuid.New().String(),
		TemplateID:   template.ID,
		AppName:      req.AppName,
		Category:     template.Category,
		TotalSteps:   template.TotalSteps,
		StartedBy:    startedBy,
		Variables:    variables,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTotalSteps) {
			WriteBadRequest(w, "Template has an invalid step count")
			return
		}
		if errors.Is(err, lifecycle.ErrDuplicateDeployment) {
			WriteConflict(w, "A deployment with this ID already exists")
			return
		}
		h.logger.Error("failed to create deployment", "error", err, "template_id", template.ID)
		WriteInternalError(w, "Failed to create deployment")
		return
	}
	if h.metrics != nil {
		h.metrics.DeploymentsCreated.Inc()
	}

	job := &models.InstallJob{
		ID:           uuid.New().String(),
		DeploymentID: deployment.ID,
		TemplateID:   template.ID,
		AppName:      req.AppName,
		Image:        template.Image,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		// The record exists in pending; an operator can re-trigger it.
		h.logger.Error("failed to enqueue install job", "error", err, "deployment_id", deployment.ID)
	} else if err := h.tracker.MarkQueued(r.Context(), deployment.ID); err != nil {
		h.logger.Warn("failed to mark deployment queued", "error", err, "deployment_id", deployment.ID)
	} else {
		deployment.Status = models.DeploymentStatusQueued
		if h.metrics != nil {
			h.metrics.RecordTransition(string(models.DeploymentStatusQueued))
		}
	}

	h.logger.Info("deployment triggered",
		"deployment_id", deployment.ID,
		"template_id", template.ID,
		"app_name", req.AppName,
		"started_by", startedBy,
	)

	view, err := h.tracker.View(r.Context(), deployment.ID)
	if err != nil {
		WriteJSON(w, http.StatusAccepted, lifecycle.NewView(deployment))
		return
	}
	WriteJSON(w, http.StatusAccepted, view)
}

// resolveVariables applies template defaults, checks required variables and
// seals secret values. Secret values never leave this process unsealed.
func (h *DeploymentHandler) resolveVariables(template *models.Template, supplied map[string]string) (map[string]any, []string) {
	var problems []string
	variables := make(map[string]any)

	for _, spec := range template.Variables {
		value, ok := supplied[spec.Name]
		if !ok || value == "" {
			value = spec.Default
		}
		if value == "" {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("variable %s is required", spec.Name))
			}
			continue
		}

		if spec.Secret {
			if h.secrets == nil || !h.secrets.CanSeal() {
				problems = append(problems, fmt.Sprintf("variable %s is secret but no sealing key is configured", spec.Name))
				continue
			}
			sealed, err := h.secrets.SealString(value)
			if err != nil {
				h.logger.Error("failed to seal variable", "error", err, "variable", spec.Name)
				problems = append(problems, fmt.Sprintf("variable %s could not be sealed", spec.Name))
				continue
			}
			value = sealed
		}

		variables[spec.Name] = value
	}

	for name := range supplied {
		if _, declared := template.Variable(name); !declared {
			problems = append(problems, fmt.Sprintf("variable %s is not declared by the template", name))
		}
	}

	return variables, problems
}

// List handles GET /v1/deployments - lists deployments, optionally filtered
// by status or restricted to active ones.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		deployments []*models.Deployment
		err         error
	)

	switch {
	case r.URL.Query().Get("status") != "":
		status := models.DeploymentStatus(r.URL.Query().Get("status"))
		if !status.Valid() {
			WriteBadRequest(w, "Unknown status filter")
			return
		}
		deployments, err = h.store.Deployments().ListByStatus(r.Context(), status)
	case r.URL.Query().Get("active") == "true":
		deployments, err = h.store.Deployments().ListActive(r.Context())
	default:
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				WriteBadRequest(w, "limit must be a positive integer")
				return
			}
		}
		deployments, err = h.store.Deployments().List(r.Context(), limit)
	}
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		WriteInternalError(w, "Failed to list deployments")
		return
	}

	views := make([]*lifecycle.View, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, lifecycle.NewView(d))
	}

	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /v1/deployments/:deploymentID - returns the deployment
// view. Views are served from the cache while clients poll a running install.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	key := viewCacheKey(deploymentID)
	if cached, ok, err := h.cache.Get(r.Context(), key); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	} else if err != nil {
		h.logger.Warn("view cache read failed", "error", err, "deployment_id", deploymentID)
	}

	view, err := h.tracker.View(r.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Deployment not found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Failed to get deployment")
		return
	}

	body, err := json.Marshal(view)
	if err != nil {
		WriteInternalError(w, "Failed to encode deployment")
		return
	}
	if err := h.cache.Set(r.Context(), key, body, h.viewTTL); err != nil {
		h.logger.Warn("view cache write failed", "error", err, "deployment_id", deploymentID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Logs handles GET /v1/deployments/:deploymentID/logs - returns the
// structured log entries for a deployment, oldest first.
func (h *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	if _, err := h.tracker.Get(r.Context(), deploymentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Deployment not found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Failed to get deployment")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
	}

	entries, err := h.tracker.Logs(r.Context(), deploymentID, limit)
	if err != nil {
		h.logger.Error("failed to list deployment logs", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Failed to list deployment logs")
		return
	}
	if entries == nil {
		entries = []*models.DeploymentLogEntry{}
	}

	WriteJSON(w, http.StatusOK, entries)
}

// Cancel handles POST /v1/deployments/:deploymentID/cancel - requests
// cancellation. The install stops at the next phase boundary.
func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	if err := h.tracker.MarkCancelled(r.Context(), deploymentID); err != nil {
		h.writeLifecycleError(w, err, deploymentID)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTransition(string(models.DeploymentStatusCancelled))
	}
	h.invalidateView(r, deploymentID)

	h.logger.Info("deployment cancelled",
		"deployment_id", deploymentID,
		"operator", middleware.GetOperator(r.Context()),
	)

	view, err := h.tracker.View(r.Context(), deploymentID)
	if err != nil {
		WriteInternalError(w, "Failed to get deployment")
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Rollback handles POST /v1/deployments/:deploymentID/rollback - enqueues a
// rollback of a completed deployment to its captured snapshot.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	deployment, err := h.tracker.Get(r.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Deployment not found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Failed to get deployment")
		return
	}

	if deployment.Status != models.DeploymentStatusCompleted {
		WriteConflict(w, "Only completed deployments can be rolled back")
		return
	}
	if !deployment.RollbackAvailable {
		WriteConflict(w, "No rollback snapshot is available for this deployment")
		return
	}

	job := &models.InstallJob{
		ID:           uuid.New().String(),
		DeploymentID: deployment.ID,
		TemplateID:   deployment.TemplateID,
		AppName:      deployment.AppName,
		Rollback:     true,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue rollback job", "error", err, "deployment_id", deployment.ID)
		WriteInternalError(w, "Failed to enqueue rollback")
		return
	}
	h.invalidateView(r, deploymentID)

	h.logger.Info("rollback requested",
		"deployment_id", deployment.ID,
		"operator", middleware.GetOperator(r.Context()),
	)

	view, err := h.tracker.View(r.Context(), deploymentID)
	if err != nil {
		WriteInternalError(w, "Failed to get deployment")
		return
	}
	WriteJSON(w, http.StatusAccepted, view)
}

func (h *DeploymentHandler) invalidateView(r *http.Request, deploymentID string) {
	if err := h.cache.Delete(r.Context(), viewCacheKey(deploymentID)); err != nil {
		h.logger.Warn("view cache invalidation failed", "error", err, "deployment_id", deploymentID)
	}
}

func (h *DeploymentHandler) writeLifecycleError(w http.ResponseWriter, err error, deploymentID string) {
	var transitionErr *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "Deployment not found")
	case errors.As(err, &transitionErr):
		WriteConflict(w, fmt.Sprintf("Deployment is %s and cannot be %s", transitionErr.From, transitionErr.To))
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		WriteConflict(w, "Deployment is not in a state that allows this operation")
	default:
		h.logger.Error("deployment operation failed", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Deployment operation failed")
	}
}
