// Package engine implements the serializer, the per-document worker
// that turns concurrent client submissions into a linear history: it
// drains the inbound queue under a cross-process lease, transforms
// each operation against the history it didn't know about, applies it,
// commits log+content+revision in one transaction, and republishes the
// result on the fan-out bus.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colabtext/collabtext/internal/bus"
	"github.com/colabtext/collabtext/internal/metrics"
	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/protocol"
	"github.com/colabtext/collabtext/internal/store"
	"github.com/colabtext/collabtext/pkg/logger"
)

// ErrLeaseLost is logged when the drain loop notices its lease has
// expired mid-batch.
var ErrLeaseLost = errors.New("engine: processing lease lost")

// Engine wires the bus and store together to run the trigger protocol
// and worker loop for any number of documents concurrently, with at
// most one logical worker per document at a time.
type Engine struct {
	bus      bus.Bus
	store    store.TxStore
	leaseTTL time.Duration

	// Metrics is optional; nil disables observation entirely so unit
	// tests don't need to construct a registry.
	Metrics *metrics.Metrics
}

// New constructs an Engine. leaseTTL of 0 uses bus.DefaultLeaseTTL.
func New(b bus.Bus, s store.TxStore, leaseTTL time.Duration) *Engine {
	if leaseTTL <= 0 {
		leaseTTL = bus.DefaultLeaseTTL
	}
	return &Engine{bus: b, store: s, leaseTTL: leaseTTL}
}

// Submit enqueues a client operation for documentID and runs the
// trigger protocol: the first caller to win the processing lease
// drains the queue; later concurrent callers simply return having
// enqueued.
func (e *Engine) Submit(ctx context.Context, documentID string, op ot.Operation, submitterToken string) error {
	payload, err := protocol.MarshalBusEnvelope(op, submitterToken)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := e.bus.EnqueueOperation(ctx, documentID, payload); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.OperationsSubmittedTotal.WithLabelValues(string(op.Type)).Inc()
	}

	token, acquired, err := e.bus.TryAcquireLease(ctx, documentID, e.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		// Someone else is already draining; our envelope will be
		// picked up by their loop.
		if e.Metrics != nil {
			e.Metrics.LeaseContentionTotal.Inc()
		}
		return nil
	}

	// Drain runs detached from the caller's request lifetime — the
	// worker keeps going even if the submitting session disconnects.
	go e.drain(context.Background(), documentID, token)
	return nil
}

// drain runs drainOnce, then closes the enqueue/release window: an
// envelope pushed after the queue looked empty but before the lease
// was released would otherwise sit unprocessed until the next
// submission, so re-check the queue and re-claim while work remains.
func (e *Engine) drain(ctx context.Context, documentID, leaseToken string) {
	for {
		e.drainOnce(ctx, documentID, leaseToken)

		n, err := e.bus.QueueLength(ctx, documentID)
		if err != nil || n == 0 {
			return
		}
		token, ok, err := e.bus.TryAcquireLease(ctx, documentID, e.leaseTTL)
		if err != nil || !ok {
			// Another worker claimed it; the leftovers are theirs.
			return
		}
		leaseToken = token
	}
}

// drainOnce is the worker loop: pop, transform, apply, commit,
// publish, until the inbound queue is empty. The lease is released on
// return.
func (e *Engine) drainOnce(ctx context.Context, documentID, leaseToken string) {
	if e.Metrics != nil {
		e.Metrics.LeaseHeldGauge.Inc()
	}
	defer func() {
		if e.Metrics != nil {
			e.Metrics.LeaseHeldGauge.Dec()
		}
		if err := e.bus.ReleaseLease(ctx, documentID, leaseToken); err != nil {
			logger.Warn("engine: release lease for %s: %v", documentID, err)
		}
	}()

	logger.Debug("engine: %s worker draining document %s", protocol.TaskName, documentID)

	doc, err := e.store.Get(ctx, documentID)
	if err != nil {
		logger.Warn("engine: load document %s: %v", documentID, err)
		return
	}

	for {
		raw, ok, err := e.bus.PopOperation(ctx, documentID)
		if err != nil {
			logger.Warn("engine: pop queue for %s: %v", documentID, err)
			return
		}
		if !ok {
			return
		}

		holds, err := e.bus.HoldsLease(ctx, documentID, leaseToken)
		if err != nil {
			logger.Warn("engine: check lease for %s: %v", documentID, err)
			return
		}
		if !holds {
			// Nothing committed for this envelope yet, so it goes
			// back to the head for whoever holds the lease now.
			logger.Warn("engine: %v for document %s, requeueing in-flight envelope", ErrLeaseLost, documentID)
			if err := e.bus.RequeueHead(ctx, documentID, []byte(raw)); err != nil {
				logger.Warn("engine: requeue for %s: %v", documentID, err)
				if e.Metrics != nil {
					e.Metrics.OperationsDroppedTotal.WithLabelValues("lease_lost").Inc()
				}
			}
			return
		}

		var envelope protocol.BusEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			logger.Warn("engine: dropping malformed envelope for %s: %v", documentID, err)
			if e.Metrics != nil {
				e.Metrics.OperationsDroppedTotal.WithLabelValues("malformed").Inc()
			}
			continue
		}

		start := time.Now()
		accepted, err := e.processOne(ctx, documentID, doc, envelope.Op)
		if e.Metrics != nil {
			e.Metrics.TransformDuration.WithLabelValues(documentID).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			logger.Warn("engine: dropping envelope for %s: %v", documentID, err)
			if e.Metrics != nil {
				e.Metrics.OperationsDroppedTotal.WithLabelValues("rejected").Inc()
			}
			continue
		}
		doc.Content = accepted.Content
		doc.LastRevision = accepted.Revision
		if e.Metrics != nil {
			e.Metrics.OperationsAppliedTotal.WithLabelValues(string(accepted.Op.Type)).Inc()
			e.Metrics.DocumentRevisionGauge.WithLabelValues(documentID).Set(float64(accepted.Revision))
		}

		if err := e.bus.Publish(ctx, documentID, accepted.Op, envelope.SubmitterToken); err != nil {
			logger.Warn("engine: publish for %s: %v", documentID, err)
			if e.Metrics != nil {
				e.Metrics.BusPublishErrorsTotal.Inc()
			}
		}
	}
}

type acceptedOp struct {
	Op       ot.Operation
	Content  []string
	Revision uint64
}

// processOne validates, transforms, applies, and commits a single
// envelope against the worker's in-memory view of the document, all
// inside one store transaction.
func (e *Engine) processOne(ctx context.Context, documentID string, doc *store.Document, op ot.Operation) (acceptedOp, error) {
	if !op.Type.IsAdditive() && op.Type != ot.OpDelete {
		return acceptedOp{}, fmt.Errorf("%w: unexpected type %s reached the engine", ot.ErrInvalidOperation, op.Type)
	}

	var result acceptedOp
	txErr := e.store.WithTransaction(ctx, func(tx store.TxStore) error {
		working := op

		if working.Revision < doc.LastRevision {
			history, err := tx.Since(ctx, documentID, working.Revision)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			for _, prev := range history {
				transformed, err := ot.Transform(working, prev.Op)
				if err != nil {
					return fmt.Errorf("transform: %w", err)
				}
				working = transformed
			}
		}

		working.Revision = doc.LastRevision + 1

		newContent, err := ot.Apply(doc.Content, working)
		if err != nil {
			return fmt.Errorf("apply: %w", err)
		}

		if err := tx.Append(ctx, store.LoggedOperation{DocumentID: documentID, Revision: working.Revision, Op: working}); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		if err := tx.UpdateContentAndRevision(ctx, documentID, newContent, working.Revision); err != nil {
			return fmt.Errorf("update document: %w", err)
		}

		result = acceptedOp{Op: working, Content: newContent, Revision: working.Revision}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, store.ErrRevisionConflict) {
			// Reload so the next envelope sees fresh state; this
			// envelope is abandoned.
			reloaded, getErr := e.store.Get(ctx, documentID)
			if getErr != nil {
				return acceptedOp{}, fmt.Errorf("reload after conflict: %w", getErr)
			}
			*doc = *reloaded
			return acceptedOp{}, fmt.Errorf("revision conflict, envelope abandoned: %w", txErr)
		}
		return acceptedOp{}, txErr
	}
	return result, nil
}
