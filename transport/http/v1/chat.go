package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/researchmail"
	"github.com/hupe1980/researchmail/core"
)

// ConversationHeader carries the conversation id of a chat stream.
const ConversationHeader = "X-Conversation-ID"

// Chat runs one user message and streams the run's events via SSE.
// POST /v1/chat
//
// Every event is written as "event: <type>" followed by its JSON encoding.
// The stream ends after the done or error event. A client that disconnects
// cancels the run.
func (h *Handler) Chat(c echo.Context) error {
	var req researchmail.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: core.KindValidation})
	}

	if strings.TrimSpace(req.Input) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "input is required", Kind: core.KindValidation})
	}

	id, events, err := h.svc.Stream(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}

	// Set SSE headers
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set(ConversationHeader, id)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for ev := range events {
		if err := writeEvent(res, ev); err != nil {
			// The run is cancelled with the request context; the remaining
			// events are drained so it can finish.
			go drain(events)
			return nil
		}
	}

	return nil
}

func writeEvent(res *echo.Response, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}

	res.Flush()

	return nil
}

func drain(events <-chan core.Event) {
	for range events {
	}
}
