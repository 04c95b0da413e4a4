// Package bus implements the fan-out bus, inbound queue, and
// processing lease the serializer and session handler coordinate
// through, over github.com/redis/go-redis/v9: pub/sub for fan-out, a
// list for the per-document FIFO, and a SETNX string for the lease.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/protocol"
	"github.com/colabtext/collabtext/pkg/logger"
)

// DefaultLeaseTTL bounds how long a crashed worker can block a
// document before the lease expires.
const DefaultLeaseTTL = 30 * time.Second

// Bus is the pub/sub + queue + lease abstraction the engine and
// session layers depend on. A single interface (rather than three)
// keeps call sites from needing three separately-injected fakes.
type Bus interface {
	// Publish delivers op to the document's fan-out channel, stamped
	// with submitterToken so subscribers can self-filter.
	Publish(ctx context.Context, documentID string, op ot.Operation, submitterToken string) error

	// Subscribe opens a stream of every envelope published for
	// documentID, including ones authored by the caller's own
	// session — callers decide ACK-vs-forward by comparing
	// envelope.SubmitterToken to their own token, so one publish
	// serves both the peer-edit and the acknowledgement paths.
	// Callers must call the returned cancel func on exit to
	// guarantee unsubscribe.
	Subscribe(ctx context.Context, documentID string) (<-chan protocol.BusEnvelope, func(), error)

	// EnqueueOperation pushes a client operation envelope onto the
	// document's inbound FIFO.
	EnqueueOperation(ctx context.Context, documentID string, envelope []byte) error

	// PopOperation pops the head of the inbound FIFO, or ("", false)
	// if the queue is empty.
	PopOperation(ctx context.Context, documentID string) (string, bool, error)

	// RequeueHead pushes an envelope back onto the head of the
	// document's inbound FIFO, used when a worker popped it but lost
	// its lease before committing.
	RequeueHead(ctx context.Context, documentID string, envelope []byte) error

	// QueueLength reports how many envelopes are waiting on the
	// document's inbound FIFO.
	QueueLength(ctx context.Context, documentID string) (int64, error)

	// TryAcquireLease attempts to claim the processing lease for a
	// document via atomic set-if-absent, storing a random fencing
	// token so the holder can prove ownership at release time. ok is
	// false if another worker already holds the lease.
	TryAcquireLease(ctx context.Context, documentID string, ttl time.Duration) (token string, ok bool, err error)

	// HoldsLease reports whether token is still the current lease
	// holder for documentID — checked before committing a drained
	// envelope.
	HoldsLease(ctx context.Context, documentID, token string) (bool, error)

	// ReleaseLease drops the processing lease, but only if token is
	// still the current holder (a compare-and-delete), so a worker
	// whose lease already expired and was re-claimed by someone else
	// cannot release out from under them.
	ReleaseLease(ctx context.Context, documentID, token string) error
}

// RedisBus is the production Bus backed by a *redis.Client.
type RedisBus struct {
	client *redis.Client
}

// New constructs a RedisBus from connection options.
func New(opts *redis.Options) (*RedisBus, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	logger.Info("bus: connected to redis at %s", opts.Addr)
	return &RedisBus{client: client}, nil
}

// NewFromClient wraps an already-constructed *redis.Client (used by
// tests against miniredis).
func NewFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Close releases the underlying Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Publish(ctx context.Context, documentID string, op ot.Operation, submitterToken string) error {
	channel := protocol.DocumentChannelKey(documentID)
	payload, err := protocol.MarshalBusEnvelope(op, submitterToken)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, documentID string) (<-chan protocol.BusEnvelope, func(), error) {
	channel := protocol.DocumentChannelKey(documentID)
	sub := b.client.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan protocol.BusEnvelope, 32)
	raw := sub.Channel()

	go func() {
		defer close(out)
		for msg := range raw {
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				logger.Warn("bus: dropping malformed envelope on %s: %v", channel, err)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Unsubscribe(context.Background(), channel)
		_ = sub.Close()
	}
	return out, cancel, nil
}

func (b *RedisBus) EnqueueOperation(ctx context.Context, documentID string, envelope []byte) error {
	return b.client.RPush(ctx, protocol.QueueKey(documentID), envelope).Err()
}

func (b *RedisBus) PopOperation(ctx context.Context, documentID string) (string, bool, error) {
	val, err := b.client.LPop(ctx, protocol.QueueKey(documentID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBus) RequeueHead(ctx context.Context, documentID string, envelope []byte) error {
	return b.client.LPush(ctx, protocol.QueueKey(documentID), envelope).Err()
}

func (b *RedisBus) QueueLength(ctx context.Context, documentID string) (int64, error) {
	return b.client.LLen(ctx, protocol.QueueKey(documentID)).Result()
}

func (b *RedisBus) TryAcquireLease(ctx context.Context, documentID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, protocol.LeaseKey(documentID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (b *RedisBus) HoldsLease(ctx context.Context, documentID, token string) (bool, error) {
	current, err := b.client.Get(ctx, protocol.LeaseKey(documentID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == token, nil
}

// releaseLeaseScript deletes the lease key only if its value still
// matches the caller's fencing token (a compare-and-delete Lua script,
// the standard Redis pattern for lock release).
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (b *RedisBus) ReleaseLease(ctx context.Context, documentID, token string) error {
	return releaseLeaseScript.Run(ctx, b.client, []string{protocol.LeaseKey(documentID)}, token).Err()
}

func decodeEnvelope(payload string) (protocol.BusEnvelope, error) {
	var env protocol.BusEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return protocol.BusEnvelope{}, err
	}
	return env, nil
}
