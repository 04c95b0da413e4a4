package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"

	"github.com/colabtext/collabtext/internal/bus"
	"github.com/colabtext/collabtext/internal/engine"
	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/protocol"
	"github.com/colabtext/collabtext/internal/registry"
	"github.com/colabtext/collabtext/internal/store"
)

// fakeConn is a minimal in-memory transport standing in for a
// *websocket.Conn, feeding pre-queued client frames and capturing
// every frame the handler writes back.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context, v any) error {
	select {
	case b, ok := <-f.in:
		if !ok {
			return websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return json.Unmarshal(b, v)
	case <-f.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) sendFrame(t *testing.T, frame protocol.ClientFrame) {
	t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- b
}

func (f *fakeConn) hangUp() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeConn) writes() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.out))
	for _, b := range f.out {
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		out = append(out, m)
	}
	return out
}

// memStore is a small store.TxStore fake shared by both test sessions.
type memStore struct {
	mu  sync.Mutex
	doc store.Document
	log []store.LoggedOperation
}

func newMemStore(id string, content []string) *memStore {
	return &memStore{doc: store.Document{ID: id, Content: content, ShareRole: store.ShareEdit}}
}

func (m *memStore) Get(_ context.Context, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.doc
	cp.Content = append([]string{}, m.doc.Content...)
	return &cp, nil
}
func (m *memStore) Create(_ context.Context, doc *store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = *doc
	return nil
}
func (m *memStore) UpdateContentAndRevision(_ context.Context, id string, content []string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Content = content
	m.doc.LastRevision = revision
	return nil
}
func (m *memStore) SetShare(_ context.Context, id string, role store.ShareRole, shared bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.ShareRole = role
	m.doc.SharedByLink = shared
	return nil
}
func (m *memStore) Append(_ context.Context, op store.LoggedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, op)
	return nil
}
func (m *memStore) Since(_ context.Context, id string, revisionExclusive uint64) ([]store.LoggedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LoggedOperation
	for _, op := range m.log {
		if op.Revision > revisionExclusive {
			out = append(out, op)
		}
	}
	return out, nil
}
func (m *memStore) MaxRevision(_ context.Context, id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for _, op := range m.log {
		if op.Revision > max {
			max = op.Revision
		}
	}
	return max, nil
}
func (m *memStore) WithTransaction(ctx context.Context, fn func(tx store.TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&lockedMemStore{m})
}

// lockedMemStore re-exposes memStore's methods without re-acquiring
// the mutex WithTransaction already holds.
type lockedMemStore struct{ m *memStore }

func (l *lockedMemStore) Get(ctx context.Context, id string) (*store.Document, error) {
	cp := l.m.doc
	cp.Content = append([]string{}, l.m.doc.Content...)
	return &cp, nil
}
func (l *lockedMemStore) Create(ctx context.Context, doc *store.Document) error {
	l.m.doc = *doc
	return nil
}
func (l *lockedMemStore) UpdateContentAndRevision(ctx context.Context, id string, content []string, revision uint64) error {
	l.m.doc.Content = content
	l.m.doc.LastRevision = revision
	return nil
}
func (l *lockedMemStore) SetShare(ctx context.Context, id string, role store.ShareRole, shared bool) error {
	l.m.doc.ShareRole = role
	l.m.doc.SharedByLink = shared
	return nil
}
func (l *lockedMemStore) Append(ctx context.Context, op store.LoggedOperation) error {
	l.m.log = append(l.m.log, op)
	return nil
}
func (l *lockedMemStore) Since(ctx context.Context, id string, revisionExclusive uint64) ([]store.LoggedOperation, error) {
	var out []store.LoggedOperation
	for _, op := range l.m.log {
		if op.Revision > revisionExclusive {
			out = append(out, op)
		}
	}
	return out, nil
}
func (l *lockedMemStore) MaxRevision(ctx context.Context, id string) (uint64, error) {
	var max uint64
	for _, op := range l.m.log {
		if op.Revision > max {
			max = op.Revision
		}
	}
	return max, nil
}
func (l *lockedMemStore) WithTransaction(ctx context.Context, fn func(tx store.TxStore) error) error {
	return fn(l)
}

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bus.NewFromClient(client)
}

// TestInitialPeerListExcludesSelf asserts a newly connected session
// receives the presence records of its peers but never its own.
func TestInitialPeerListExcludesSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newMemStore("doc1", []string{"hello"})
	b := newTestBus(t)
	e := engine.New(b, s, time.Minute)
	reg := registry.New()

	aliceConn := newFakeConn()
	alice := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "alice"}
	aliceDone := make(chan error, 1)
	go func() { aliceDone <- alice.Handle(ctx, aliceConn) }()

	time.Sleep(100 * time.Millisecond)

	bobConn := newFakeConn()
	bob := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "bob"}
	bobDone := make(chan error, 1)
	go func() { bobDone <- bob.Handle(ctx, bobConn) }()

	deadline := time.After(2 * time.Second)
	for {
		sawAlice := false
		for _, w := range bobConn.writes() {
			switch w["username"] {
			case "bob":
				t.Fatal("bob's initial peer list includes bob himself")
			case "alice":
				sawAlice = true
			}
		}
		if sawAlice {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bob never received alice's presence record")
		case <-time.After(20 * time.Millisecond):
		}
	}

	aliceConn.hangUp()
	bobConn.hangUp()
	<-aliceDone
	<-bobDone
}

// TestCursorBypassesEngineAndBroadcastsDirectly asserts CURSOR frames
// never reach the engine/store and instead fan out via the registry
// directly to peers.
func TestCursorBypassesEngineAndBroadcastsDirectly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newMemStore("doc1", []string{"hello"})
	b := newTestBus(t)
	e := engine.New(b, s, time.Minute)
	reg := registry.New()

	aliceConn := newFakeConn()
	alice := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "alice"}

	bobConn := newFakeConn()
	bob := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "bob"}

	aliceDone := make(chan error, 1)
	go func() { aliceDone <- alice.Handle(ctx, aliceConn) }()
	bobDone := make(chan error, 1)
	go func() { bobDone <- bob.Handle(ctx, bobConn) }()

	time.Sleep(100 * time.Millisecond)

	aliceConn.sendFrame(t, protocol.ClientFrame{Type: ot.OpCursor, From: ot.Position{Line: 0, Ch: 2}, To: ot.Position{Line: 0, Ch: 2}})

	deadline := time.After(2 * time.Second)
	for {
		found := false
		for _, w := range bobConn.writes() {
			if w["type"] == string(ot.OpCursor) {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bob never received alice's cursor broadcast")
		case <-time.After(20 * time.Millisecond):
		}
	}

	aliceConn.hangUp()
	bobConn.hangUp()
	<-aliceDone
	<-bobDone

	s.mu.Lock()
	logLen := len(s.log)
	s.mu.Unlock()
	if logLen != 0 {
		t.Fatalf("cursor frame must not be logged as a document operation, got %d log entries", logLen)
	}
	for _, w := range aliceConn.writes() {
		if w["type"] == protocol.AckType {
			t.Fatal("cursor frames must not be acknowledged")
		}
	}
}

// TestEditRoundTripsAckToSubmitterAndEditToPeer asserts a non-cursor
// frame is submitted through the engine, and the resulting bus
// envelope comes back as an Acknowledge to its author and a PeerEdit
// to everyone else.
func TestEditRoundTripsAckToSubmitterAndEditToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newMemStore("doc1", []string{"hello"})
	b := newTestBus(t)
	e := engine.New(b, s, time.Minute)
	reg := registry.New()

	aliceConn := newFakeConn()
	alice := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "alice"}
	bobConn := newFakeConn()
	bob := &Handler{Bus: b, Engine: e, Store: s, Registry: reg, DocumentID: "doc1", Username: "bob"}

	aliceDone := make(chan error, 1)
	go func() { aliceDone <- alice.Handle(ctx, aliceConn) }()
	bobDone := make(chan error, 1)
	go func() { bobDone <- bob.Handle(ctx, bobConn) }()

	time.Sleep(100 * time.Millisecond)

	aliceConn.sendFrame(t, protocol.ClientFrame{
		Type: ot.OpInput,
		From: ot.Position{Line: 0, Ch: 0},
		To:   ot.Position{Line: 0, Ch: 0},
		Text: []string{"X"},
	})

	deadline := time.After(2 * time.Second)
	var sawAck, sawPeerEdit bool
	for !sawAck || !sawPeerEdit {
		for _, w := range aliceConn.writes() {
			if w["type"] == protocol.AckType {
				sawAck = true
			}
		}
		for _, w := range bobConn.writes() {
			if w["type"] == string(ot.OpInput) {
				if _, ok := w["user_token"]; ok {
					sawPeerEdit = true
				}
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ack=%v peerEdit=%v", sawAck, sawPeerEdit)
		case <-time.After(20 * time.Millisecond):
		}
	}

	aliceConn.hangUp()
	bobConn.hangUp()
	<-aliceDone
	<-bobDone
}
