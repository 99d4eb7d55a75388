package drip

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/bissquit/lead-drip/internal/pkg/ctxlog"
	"github.com/bissquit/lead-drip/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

//go:embed pages/*.html
var pagesFS embed.FS

var (
	unsubscribePage = template.Must(template.ParseFS(pagesFS, "pages/unsubscribe.html"))
	preferencesPage = template.Must(template.ParseFS(pagesFS, "pages/preferences.html"))
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidRecipient, Status: http.StatusBadRequest, Message: "invalid email"},
	{Error: domain.ErrScheduledSendNotFound, Status: http.StatusNotFound, Message: "scheduled send not found"},
	{Error: ErrSchedulePersist, Status: http.StatusServiceUnavailable, Message: "sequence could not be stored"},
}

// Handler handles HTTP requests for the drip module.
type Handler struct {
	sequencer    *Sequencer
	queue        QueueRunner
	store        Store
	unsubscriber *Unsubscriber
	preferences  *Preferences
	pages        PageConfig
	validator    *validator.Validate
}

// PageConfig holds links shown on public pages.
type PageConfig struct {
	SiteURL    string
	BookingURL string
}

// NewHandler creates a new drip handler.
func NewHandler(sequencer *Sequencer, queue QueueRunner, store Store, unsubscriber *Unsubscriber, preferences *Preferences, pages PageConfig) *Handler {
	return &Handler{
		sequencer:    sequencer,
		queue:        queue,
		store:        store,
		unsubscriber: unsubscriber,
		preferences:  preferences,
		pages:        pages,
		validator:    validator.New(),
	}
}

// RegisterWebhookRoutes registers form webhook routes (public).
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/form", h.HandleFormWebhook)
}

// RegisterCronRoutes registers queue trigger routes (cron secret).
func (h *Handler) RegisterCronRoutes(r chi.Router) {
	r.Get("/cron/process-email-queue", h.ProcessQueue)
	r.Post("/cron/process-email-queue", h.ProcessQueue)
}

// RegisterAdminRoutes registers sequence administration routes (admin token).
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/sequences", func(r chi.Router) {
		r.Post("/", h.ScheduleSequence)
		r.Get("/preview", h.PreviewSequence)
		r.Get("/{email}", h.ListSends)
		r.Delete("/{email}/sends/{id}", h.DeleteSend)
	})
}

// RegisterUnsubscribeRoutes registers unsubscribe and preferences routes (public, token checked).
func (h *Handler) RegisterUnsubscribeRoutes(r chi.Router) {
	r.Get("/unsubscribe", h.Unsubscribe)
	r.Post("/unsubscribe", h.Unsubscribe)
	r.Get("/preferences", h.Preferences)
}

// WebhookResponse is returned to the form provider.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Email   string `json:"email,omitempty"`
}

// HandleFormWebhook handles POST /webhooks/form.
// Once the payload is valid the response is 200 even if sequencing fails, so the provider does not retry.
func (h *Handler) HandleFormWebhook(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	var payload FormPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	lead := payload.Lead()
	if lead.Email == "" {
		logger.Warn("form webhook missing email")
		httputil.Error(w, http.StatusBadRequest, "missing email in webhook payload")
		return
	}
	if err := h.validator.Struct(lead); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	email := domain.NormalizeEmail(lead.Email)
	logger.Info("form submission received", "recipient", email)

	result, err := h.sequencer.ScheduleSequence(r.Context(), email, lead.FirstName, time.Time{})
	if err != nil {
		logger.Error("failed to start email sequence from webhook", "recipient", email, "error", err)
	} else {
		logger.Info("email sequence started from webhook",
			"recipient", email,
			"sent_immediately", result.SentImmediately,
			"scheduled", result.Scheduled,
		)
	}

	httputil.JSON(w, http.StatusOK, WebhookResponse{
		Success: true,
		Message: "webhook processed successfully",
		Email:   email,
	})
}

// ProcessQueue handles GET|POST /cron/process-email-queue.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.ProcessQueue(r.Context())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to process email queue", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to process email queue")
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// ScheduleRequest represents the request body for scheduling a sequence manually.
type ScheduleRequest struct {
	Email     string     `json:"email" validate:"required,email"`
	FirstName string     `json:"firstname" validate:"omitempty,max=100"`
	StartAt   *time.Time `json:"start_at"`
}

// ScheduleSequence handles POST /sequences.
func (h *Handler) ScheduleSequence(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	var start time.Time
	if req.StartAt != nil {
		start = *req.StartAt
	}

	result, err := h.sequencer.ScheduleSequence(r.Context(), req.Email, req.FirstName, start)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, result)
}

// ListSends handles GET /sequences/{email}.
func (h *Handler) ListSends(w http.ResponseWriter, r *http.Request) {
	email := domain.NormalizeEmail(chi.URLParam(r, "email"))

	sends, err := h.store.ListSends(r.Context(), email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, sends)
}

// DeleteSend handles DELETE /sequences/{email}/sends/{id}.
func (h *Handler) DeleteSend(w http.ResponseWriter, r *http.Request) {
	email := domain.NormalizeEmail(chi.URLParam(r, "email"))
	id := chi.URLParam(r, "id")

	deleted, err := h.store.DeleteSend(r.Context(), id, email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if !deleted {
		httputil.HandleError(r.Context(), w, domain.ErrScheduledSendNotFound, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PreviewSequence handles GET /sequences/preview.
func (h *Handler) PreviewSequence(w http.ResponseWriter, r *http.Request) {
	items, err := h.sequencer.Preview(r.URL.Query().Get("firstname"), time.Time{})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

type pageData struct {
	Title      string
	Message    string
	SiteURL    string
	BookingURL string
}

// Unsubscribe handles GET|POST /unsubscribe.
// POST is the one-click variant sent by mail clients.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderPage(r.Context(), w, http.StatusBadRequest, "Invalid Request", "The unsubscribe link is malformed.")
		return
	}

	email := r.Form.Get("email")
	token := r.Form.Get("token")
	if token == "" {
		h.renderPage(r.Context(), w, http.StatusBadRequest, "Invalid Request", "Missing email or token parameter.")
		return
	}

	source := "link"
	if r.Method == http.MethodPost {
		source = "one_click"
	}

	if _, err := h.unsubscriber.Unsubscribe(r.Context(), email, token, source); err != nil {
		if errors.Is(err, ErrInvalidUnsubscribeToken) {
			ctxlog.FromContext(r.Context()).Warn("invalid unsubscribe token", "error", err)
			h.renderPage(r.Context(), w, http.StatusBadRequest, "Invalid Request", "This unsubscribe link is invalid or has expired.")
			return
		}
		ctxlog.FromContext(r.Context()).Error("failed to unsubscribe", "error", err)
		h.renderPage(r.Context(), w, http.StatusInternalServerError, "Error", "An error occurred processing your unsubscribe request. Please try again or contact us directly.")
		return
	}

	h.renderPage(r.Context(), w, http.StatusOK, "You've been unsubscribed",
		"You've been removed from our email list. You won't receive any more emails from us.")
}

type preferencesData struct {
	*Subscription
	SiteURL    string
	BookingURL string
}

// Preferences handles GET /preferences.
func (h *Handler) Preferences(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		h.renderPage(r.Context(), w, http.StatusBadRequest, "Email Preferences", "Missing email or token parameter.")
		return
	}

	sub, err := h.preferences.Status(r.Context(), query.Get("email"), token)
	if err != nil {
		if errors.Is(err, ErrInvalidUnsubscribeToken) {
			ctxlog.FromContext(r.Context()).Warn("invalid preferences token", "error", err)
			h.renderPage(r.Context(), w, http.StatusBadRequest, "Email Preferences", "This link is invalid or has expired.")
			return
		}
		ctxlog.FromContext(r.Context()).Error("failed to load preferences", "error", err)
		h.renderPage(r.Context(), w, http.StatusInternalServerError, "Error", "An error occurred loading your preferences. Please try again or contact us directly.")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	err = preferencesPage.Execute(w, preferencesData{
		Subscription: sub,
		SiteURL:      h.pages.SiteURL,
		BookingURL:   h.pages.BookingURL,
	})
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to render page", "error", err)
	}
}

func (h *Handler) renderPage(ctx context.Context, w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := unsubscribePage.Execute(w, pageData{
		Title:      title,
		Message:    message,
		SiteURL:    h.pages.SiteURL,
		BookingURL: h.pages.BookingURL,
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to render page", "error", err)
	}
}
