package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/researchmail/core"
)

// ListConversations lists live conversations.
// GET /v1/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"conversations": h.svc.Conversations()})
}

// CancelConversation cancels the active run of a conversation.
// POST /v1/conversations/:conversation_id/cancel
func (h *Handler) CancelConversation(c echo.Context) error {
	if err := h.svc.Cancel(c.Param("conversation_id")); err != nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Kind: core.KindValidation})
	}

	return c.NoContent(http.StatusAccepted)
}

// DeleteConversation forgets a conversation that is not running.
// DELETE /v1/conversations/:conversation_id
func (h *Handler) DeleteConversation(c echo.Context) error {
	if !h.svc.DeleteConversation(c.Param("conversation_id")) {
		return c.JSON(http.StatusConflict, errorBody{Error: "conversation not found or running", Kind: core.KindValidation})
	}

	return c.NoContent(http.StatusNoContent)
}

// ListProviders reports model provider health.
// GET /v1/providers
func (h *Handler) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"providers": h.svc.Providers()})
}

// MailCredential describes the mail credential without secret material.
// GET /v1/credentials/mail
func (h *Handler) MailCredential(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.CredentialStatus())
}
