// Package v1 provides the version 1 HTTP handlers.
package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/researchmail"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/journal"
	"github.com/hupe1980/researchmail/provider"
	"github.com/hupe1980/researchmail/session"
)

// Service is the application surface the handlers use. *researchmail.App
// implements it.
type Service interface {
	Stream(ctx context.Context, req researchmail.Request) (string, <-chan core.Event, error)
	Cancel(conversationID string) error
	Conversations() []session.Info
	DeleteConversation(conversationID string) bool
	Providers() []provider.Status
	CredentialStatus() credential.Status
	Journal() *journal.Journal
}

// Handler handles HTTP requests.
type Handler struct {
	svc Service
}

// NewHandler creates a new handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Conversations
	e.POST("/v1/chat", h.Chat)
	e.GET("/v1/conversations", h.ListConversations)
	e.POST("/v1/conversations/:conversation_id/cancel", h.CancelConversation)
	e.DELETE("/v1/conversations/:conversation_id", h.DeleteConversation)

	// Status
	e.GET("/v1/providers", h.ListProviders)
	e.GET("/v1/credentials/mail", h.MailCredential)

	// Journal
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)

	e.GET("/healthz", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// errorBody is the JSON error answer. It carries the safe message only.
type errorBody struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind,omitempty"`
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, errorBody{Error: core.SafeMessage(err), Kind: core.KindOf(err)})
}

func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
