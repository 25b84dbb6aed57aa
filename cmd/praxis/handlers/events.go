package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/common/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventHandler streams execution events over WebSocket.
type EventHandler struct {
	c *container.Container
}

// NewEventHandler creates an event stream handler.
func NewEventHandler(c *container.Container) *EventHandler {
	return &EventHandler{c: c}
}

// Stream upgrades to WebSocket, replays the events persisted so far, and
// then follows the live bus until the client disconnects. Nested run
// events share the stream under the parent's prefixed run id.
// GET /api/v1/executions/:id/stream
func (h *EventHandler) Stream(c echo.Context) error {
	executionID := c.Param("id")

	rec, err := h.c.Executions.Get(c.Request().Context(), executionID)
	if err != nil {
		return errorJSON(c, http.StatusNotFound, "ValidationError", "execution not found")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Subscribe before replay so no event falls between the two.
	events := make(chan eventbus.Envelope, 256)
	unsubscribe := h.c.Bus.Subscribe(eventbus.TopicAll, func(ev eventbus.Envelope) {
		if ev.RunID != executionID && !strings.HasPrefix(ev.RunID, executionID+":") {
			return
		}
		select {
		case events <- ev:
		default: // slow consumer drops live events rather than stalling the bus
		}
	})
	defer unsubscribe()

	for _, ev := range rec.Events {
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}

	// Reader goroutine surfaces client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
			if terminal(ev.Topic) && ev.RunID == executionID {
				return nil
			}
		}
	}
}

func terminal(topic string) bool {
	switch topic {
	case eventbus.TopicWorkflowFinished, eventbus.TopicWorkflowFailed, eventbus.TopicWorkflowCanceled:
		return true
	}
	return false
}
