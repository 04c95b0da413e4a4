// Package httpapi wires the WebSocket upgrade route, health check,
// and metrics endpoint onto a gin router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/colabtext/collabtext/internal/auth"
	"github.com/colabtext/collabtext/internal/bus"
	"github.com/colabtext/collabtext/internal/engine"
	"github.com/colabtext/collabtext/internal/metrics"
	"github.com/colabtext/collabtext/internal/registry"
	"github.com/colabtext/collabtext/internal/session"
	"github.com/colabtext/collabtext/internal/store"
	"github.com/colabtext/collabtext/pkg/logger"
)

// Server bundles every collaborator a request handler needs.
type Server struct {
	Bus      bus.Bus
	Engine   *engine.Engine
	Store    store.TxStore
	Registry *registry.Registry
	Auth     auth.Resolver
	Metrics  *metrics.Metrics

	startTime time.Time
}

// NewRouter builds the gin engine with the server's routes.
func NewRouter(s *Server) *gin.Engine {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/:document_id", s.handleSocket)

	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	})
}

// handleSocket upgrades the connection and hands it to a
// session.Handler, resolving identity/authorization and document
// existence first.
func (s *Server) handleSocket(c *gin.Context) {
	documentID := c.Param("document_id")
	if documentID == "" {
		c.String(http.StatusBadRequest, "document_id required")
		return
	}

	principal, err := s.Auth.Identity(bearerToken(c))
	if err != nil {
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	doc, err := s.Store.Get(c.Request.Context(), documentID)
	if err != nil {
		if err == store.ErrNotFound {
			doc = &store.Document{ID: documentID}
			if createErr := s.Store.Create(c.Request.Context(), doc); createErr != nil {
				logger.Error("httpapi: create document %s: %v", documentID, createErr)
				c.String(http.StatusInternalServerError, "create document")
				return
			}
		} else {
			logger.Error("httpapi: load document %s: %v", documentID, err)
			c.String(http.StatusInternalServerError, "load document")
			return
		}
	}

	username := "anonymous"
	if principal != nil {
		username = principal.UserID
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("httpapi: websocket upgrade failed for %s: %v", documentID, err)
		return
	}

	// Unauthenticated connections are only admitted when the document
	// is publicly shared; otherwise close with the policy-violation
	// code before registering the session.
	if principal == nil && doc.ShareRole == store.ShareNone && !doc.SharedByLink {
		logger.Warn("httpapi: %v for document %s (unauthenticated, not shared)", auth.ErrAuthFailure, documentID)
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	if s.Metrics != nil {
		s.Metrics.ActiveSessionsGauge.Inc()
		defer s.Metrics.ActiveSessionsGauge.Dec()
	}

	handler := &session.Handler{
		Bus:         s.Bus,
		Engine:      s.Engine,
		Store:       s.Store,
		Registry:    s.Registry,
		Principal:   principal,
		DocumentID:  documentID,
		Username:    username,
		ClientColor: presenceColor(documentID, username),
	}

	if err := handler.Handle(c.Request.Context(), session.NewWebsocketConn(conn)); err != nil {
		logger.Warn("httpapi: session %s for document %s ended: %v", username, documentID, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return c.Query("token")
}

// presenceColor assigns a deterministic display color per document and
// username so concurrent cursors are visually distinct.
var palette = []string{"#e6194B", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6"}

func presenceColor(documentID, username string) string {
	h := fnv32(documentID + ":" + username)
	return palette[int(h)%len(palette)]
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
