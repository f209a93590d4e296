package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/auth"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are the local CLI, the web UI behind the same origin, and
	// executors dialing back; origin enforcement happens at the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to hub clients, authenticating the bearer
// token before the first frame is processed.
type Handler struct {
	hub            *Hub
	auth           *auth.Service
	store          *store.Store
	allowAnonymous bool
	log            *logger.Logger
}

// NewHandler builds the websocket upgrade handler.
func NewHandler(hub *Hub, authSvc *auth.Service, st *store.Store, allowAnonymous bool, log *logger.Logger) *Handler {
	return &Handler{hub: hub, auth: authSvc, store: st, allowAnonymous: allowAnonymous, log: log}
}

// Handle is the gin route for GET /ws.
func (h *Handler) Handle(c *gin.Context) {
	user, internal, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(store.NewID(), conn, h.hub, user, h.log)
	client.Internal = internal
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(c.Request.Context())
}

// authenticate resolves the caller from the Authorization header or the
// token query parameter (browsers cannot set headers on WS upgrades).
// Executor tokens mark the connection internal, which unlocks the
// executor-only routes.
func (h *Handler) authenticate(c *gin.Context) (*store.User, bool, error) {
	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		if h.allowAnonymous {
			return nil, false, nil
		}
		return nil, false, auth.ErrInvalidToken
	}

	claims, err := h.auth.VerifyToken(token)
	if err != nil {
		return nil, false, err
	}
	user, err := h.store.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		return nil, false, err
	}
	return user, claims.Executor, nil
}
