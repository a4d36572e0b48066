package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// TemplateHandler handles marketplace template requests.
type TemplateHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewTemplateHandler creates a new template handler.
func NewTemplateHandler(st store.Store, logger *slog.Logger) *TemplateHandler {
	return &TemplateHandler{
		store:  st,
		logger: logger,
	}
}

func validateTemplate(t *models.Template) []string {
	var problems []string
	if t.ID == "" {
		problems = append(problems, "id is required")
	}
	if t.Name == "" {
		problems = append(problems, "name is required")
	}
	if t.Image == "" {
		problems = append(problems, "image is required")
	}
	if t.TotalSteps < 0 {
		problems = append(problems, "total_steps must not be negative")
	}
	return problems
}

// List handles GET /v1/templates - lists catalog templates, optionally
// filtered by category.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		templates []*models.Template
		err       error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		templates, err = h.store.Templates().ListByCategory(r.Context(), category)
	} else {
		templates, err = h.store.Templates().List(r.Context())
	}
	if err != nil {
		h.logger.Error("failed to list templates", "error", err)
		WriteInternalError(w, "Failed to list templates")
		return
	}

	if templates == nil {
		templates = []*models.Template{}
	}

	WriteJSON(w, http.StatusOK, templates)
}

// Get handles GET /v1/templates/:templateID - retrieves a single template.
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	WriteJSON(w, http.StatusOK, template)
}

// Create handles POST /v1/templates - adds a template to the catalog.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var template models.Template
	if err := json.NewDecoder(r.Body).Decode(&template); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if problems := validateTemplate(&template); len(problems) > 0 {
		WriteErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid template", problems)
		return
	}
	if template.TotalSteps == 0 {
		template.TotalSteps = models.DefaultTotalSteps
	}

	if err := h.store.Templates().Create(r.Context(), &template); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			WriteConflict(w, "A template with this ID already exists")
			return
		}
		h.logger.Error("failed to create template", "error", err, "template_id", template.ID)
		WriteInternalError(w, "Failed to create template")
		return
	}

	h.logger.Info("template created", "template_id", template.ID, "name", template.Name)
	WriteJSON(w, http.StatusCreated, &template)
}

// Update handles PUT /v1/templates/:templateID - replaces a template.
func (h *TemplateHandler) Update(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	var template models.Template
	if err := json.NewDecoder(r.Body).Decode(&template); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	template.ID = templateID

	if problems := validateTemplate(&template); len(problems) > 0 {
		WriteErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid template", problems)
		return
	}
	if template.TotalSteps == 0 {
		template.TotalSteps = models.DefaultTotalSteps
	}

	if err := h.store.Templates().Update(r.Context(), &template); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Template not found")
			return
		}
		h.logger.Error("failed to update template", "error", err, "template_id", templateID)
		WriteInternalError(w, "Failed to update template")
		return
	}

	WriteJSON(w, http.StatusOK, &template)
}

// Delete handles DELETE /v1/templates/:templateID - removes a template from
// the catalog. Deployments created from the template are unaffected.
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	if err := h.store.Templates().Delete(r.Context(), templateID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Template not found")
			return
		}
		h.logger.Error("failed to delete template", "error", err, "template_id", templateID)
		WriteInternalError(w, "Failed to delete template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
