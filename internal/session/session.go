// Package session implements the per-connection WebSocket handler:
// authenticate, register with the connection registry, subscribe to
// the document's fan-out channel, run the receive loop, and clean up
// on disconnect.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/colabtext/collabtext/internal/auth"
	"github.com/colabtext/collabtext/internal/bus"
	"github.com/colabtext/collabtext/internal/engine"
	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/protocol"
	"github.com/colabtext/collabtext/internal/registry"
	"github.com/colabtext/collabtext/internal/store"
)

// readTimeout bounds how long a single client frame read may take
// before the connection is considered idle; writeTimeout bounds a
// single outbound frame.
const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second

	// readRate and readBurst bound how fast a single session may push
	// frames into the engine.
	readRate  = 20
	readBurst = 40
)

// ErrTransportFailure marks a failed frame read or write; it ends the
// affected session and nothing else.
var ErrTransportFailure = errors.New("session: transport failure")

// Conn is the subset of *websocket.Conn the handler needs, narrowed so
// tests can substitute a fake transport.
type Conn interface {
	Read(ctx context.Context, v any) error
	Write(ctx context.Context, v any) error
	Close() error
}

// wsConn adapts *websocket.Conn to Conn using JSON text frames.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context, v any) error  { return wsjson.Read(ctx, w.c, v) }
func (w wsConn) Write(ctx context.Context, v any) error { return wsjson.Write(ctx, w.c, v) }
func (w wsConn) Close() error                           { return w.c.Close(websocket.StatusNormalClosure, "") }

// NewWebsocketConn wraps a raw *websocket.Conn for Handler.
func NewWebsocketConn(c *websocket.Conn) Conn { return wsConn{c: c} }

// Handler manages one client connection's lifecycle: authenticate,
// register, subscribe to the document's fan-out, read loop, cleanup.
type Handler struct {
	Bus       bus.Bus
	Engine    *engine.Engine
	Store     store.DocumentStore
	Registry  *registry.Registry
	Principal *auth.Principal

	DocumentID  string
	Username    string
	ClientColor string

	conn         Conn
	sessionToken string

	sendMu sync.Mutex
}

// Send implements registry.Conn, used so Registry.Broadcast can
// deliver directly to this handler.
func (h *Handler) Send(msg any) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return h.conn.Write(ctx, msg)
}

// NewSessionToken mints a random per-connection identifier, used to
// route acknowledgements for sessions without a resolved user id.
func NewSessionToken() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Handle runs the connection's full lifecycle and blocks until the
// client disconnects or ctx is cancelled. conn is closed by the
// caller after Handle returns, not here.
func (h *Handler) Handle(ctx context.Context, conn Conn) error {
	h.conn = conn
	if h.Principal != nil && h.Principal.UserID != "" {
		h.sessionToken = h.Principal.UserID
	} else {
		h.sessionToken = NewSessionToken()
	}

	doc, err := h.Store.Get(ctx, h.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	readOnly := !auth.MayEdit(h.Principal, doc)

	// The peer list goes out before this session registers, so a
	// client never sees itself among its peers.
	if err := h.sendInitial(); err != nil {
		return fmt.Errorf("send initial: %w", err)
	}

	h.Registry.Join(h.DocumentID, h, registry.Presence{
		Username:     h.Username,
		SessionToken: h.sessionToken,
		Color:        h.ClientColor,
	})
	defer h.Registry.Leave(h.DocumentID, h)

	h.Registry.Broadcast(h.DocumentID, protocol.PresenceJoin{
		Username:    h.Username,
		UserToken:   h.sessionToken,
		ClientColor: h.ClientColor,
	}, h, h.sessionToken, nil, false)

	// forward runs off a context scoped to this connection, cancelled
	// the moment the read loop returns — otherwise forward would block
	// forever on a still-open subscription waiting for a ctx that never
	// completes (the caller's request context may outlive this session).
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	stream, unsubscribe, err := h.Bus.Subscribe(sessionCtx, h.DocumentID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer unsubscribe()

	forwardDone := make(chan struct{})
	go h.forward(sessionCtx, stream, forwardDone)
	defer func() { <-forwardDone }()

	defer func() {
		h.Registry.Broadcast(h.DocumentID, protocol.NewPresenceLeave(h.sessionToken), h, h.sessionToken, nil, false)
	}()

	readErr := h.readLoop(ctx, readOnly)
	cancelSession()
	return readErr
}

// sendInitial sends the initial peer list so a newly connected client
// can render who else is present.
func (h *Handler) sendInitial() error {
	for _, peer := range h.Registry.Peers(h.DocumentID) {
		if err := h.Send(protocol.PresenceJoin{
			Username:    peer.Username,
			UserToken:   peer.SessionToken,
			ClientColor: peer.Color,
		}); err != nil {
			return err
		}
	}
	return nil
}

// forward relays every bus envelope for this document to the client:
// an envelope authored by this session's own token becomes an
// Acknowledge frame; everyone else's becomes a PeerEdit frame.
func (h *Handler) forward(ctx context.Context, stream <-chan protocol.BusEnvelope, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			var err error
			if env.SubmitterToken == h.sessionToken {
				err = h.Send(protocol.NewAcknowledge(env.Op.Revision, h.sessionToken))
			} else {
				err = h.Send(protocol.PeerEdit{Operation: env.Op, UserToken: env.SubmitterToken})
			}
			if err != nil {
				return
			}
		}
	}
}

// readLoop is the connection's main receive loop. CURSOR frames
// broadcast directly through the registry (bypassing the engine/bus
// entirely, since cursor position carries no document state); every
// other frame type is submitted to the engine, or dropped when the
// session is read-only.
func (h *Handler) readLoop(ctx context.Context, readOnly bool) error {
	limiter := rate.NewLimiter(readRate, readBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		var frame protocol.ClientFrame
		err := h.conn.Read(readCtx, &frame)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("%w: read frame: %v", ErrTransportFailure, err)
		}

		if frame.Type == ot.OpCursor {
			h.Registry.Broadcast(h.DocumentID, protocol.PeerEdit{
				Operation: frame.ToOperation(),
				UserToken: h.sessionToken,
			}, h, h.sessionToken, nil, false)
			continue
		}

		if readOnly {
			continue
		}

		if err := h.Engine.Submit(ctx, h.DocumentID, frame.ToOperation(), h.sessionToken); err != nil {
			return fmt.Errorf("submit operation: %w", err)
		}
	}
}
