package eventbus

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/meridiandns/dnsctld/internal/wsauth"
)

func deadlineNow() time.Time { return time.Now().Add(5 * time.Second) }

// Handler upgrades and authenticates WebSocket connections for
// `ws://host/api/websocket/ws/<connection_type>?token=<jwt>`.
type Handler struct {
	broadcaster *Broadcaster
	sessionMgr  *wsauth.Manager
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// NewHandler creates a Handler for the given broadcaster and token validator.
func NewHandler(broadcaster *Broadcaster, sessionMgr *wsauth.Manager, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		broadcaster: broadcaster,
		sessionMgr:  sessionMgr,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, allowedOrigins)
			},
		},
	}
}

func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// ServeWS handles GET /ws/{connection_type}. connection_type is accepted
// for protocol compatibility but does not affect session semantics: exactly
// one session per user regardless of how many connection_type values are
// presented (spec §6).
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	_ = chi.URLParam(r, "connection_type")

	token := r.URL.Query().Get("token")

	var claims *wsauth.Claims
	if token != "" {
		var err error
		claims, err = h.sessionMgr.ValidateToken(token)
		if err != nil {
			h.logger.Warn("websocket auth failed", "error", err)
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	if claims == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4401, "invalid or missing token"), deadlineNow())
		_ = conn.Close()
		return
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	role := claims.Role
	if role == "" {
		role = "viewer"
	}

	h.broadcaster.Connect(userID, role, conn)
}

// Routes mounts the WebSocket upgrade endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/{connection_type}", h.ServeWS)
	return r
}
