package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge/internal/common/logger"
	ws "github.com/storyforge/storyforge/pkg/websocket"
)

// Gateway bundles the hub, its action dispatcher and the HTTP handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	Notifier   *Notifier
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized.
// Action handlers beyond health are registered by the caller on Dispatcher.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		Notifier:   NewNotifier(hub, log),
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
