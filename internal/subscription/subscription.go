// Package subscription implements the Subscription Engine (component D
// of spec.md §4.4): one instance drives exactly one bidirectional
// stream end to end — credit accounting, cursor tracking, delivery
// ordering, and group-takeover (displacement) semantics.
//
// The read/deliver loop is grounded on the teacher's readPump/writePump
// split (server.go): a dedicated goroutine pumps upstream frames off
// the transport so the session's main loop can multiplex them against
// notify-bus wakes and displacement in one select, the same way
// writePump multiplexes c.send against the ping ticker.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
	"github.com/heisenbergs-uncertainty/sluice/internal/metrics"
	"github.com/heisenbergs-uncertainty/sluice/internal/notifybus"
	"github.com/heisenbergs-uncertainty/sluice/internal/registry"
	"github.com/heisenbergs-uncertainty/sluice/internal/store"
	"github.com/heisenbergs-uncertainty/sluice/internal/writer"
)

// InitialPosition selects where a session's delivery cursor starts.
type InitialPosition int

const (
	Earliest InitialPosition = iota
	Latest
)

// InitFrame is the mandatory first upstream frame (spec §4.4 "Opening").
type InitFrame struct {
	Topic           string
	Group           string
	ConsumerID      string
	InitialPosition InitialPosition
}

// CreditGrantFrame authorizes further deliveries.
type CreditGrantFrame struct {
	N uint32
}

// AckFrame advances the session's consumer-group cursor.
type AckFrame struct {
	MessageID string
	Sequence  uint64
}

// UpstreamFrame is a tagged union of the three upstream frame kinds;
// exactly one field is non-nil.
type UpstreamFrame struct {
	Init        *InitFrame
	CreditGrant *CreditGrantFrame
	Ack         *AckFrame
}

// MessageDelivery is the one downstream frame kind this engine emits.
type MessageDelivery struct {
	MessageID  string
	Sequence   uint64
	TimestampMs int64
	Attributes map[string]string
	Payload    []byte
}

// Status is the terminal status reported when a stream ends (spec §6).
type Status string

const (
	StatusOK              Status = "ok"
	StatusCancelled       Status = "cancelled"
	StatusDisplaced       Status = "failed_precondition"
	StatusUnavailable     Status = "unavailable"
	StatusInternal        Status = "internal"
	StatusInvalidArgument Status = "invalid_argument"
	StatusNotFound        Status = "not_found"
)

// ErrClientClosed is the sentinel a Conn's Recv should return (wrapped
// or bare) when the client ended the stream cleanly — e.g. a WebSocket
// normal-closure frame — as opposed to an abrupt cancel or transport
// error. Run reports StatusOK for it (spec §6: "Ok (client-closed)" is
// a distinct terminal status from "Cancelled (client cancel)").
var ErrClientClosed = errors.New("subscription: client closed stream")

// Conn is the transport-facing boundary a Session drives. Recv blocks
// until the next upstream frame, context cancellation, or stream
// close (returning an error in the latter two cases). Send blocks on
// downstream backpressure, matching the suspension points spec §5(b)
// describes for session sends.
type Conn interface {
	Recv(ctx context.Context) (UpstreamFrame, error)
	Send(ctx context.Context, msg MessageDelivery) error
}

const defaultCreditCap = 1<<31 - 1

// Session drives one Subscribe stream. A Session is used once: call
// Run and discard it.
type Session struct {
	id       string
	store    *store.Store
	writer   *writer.Writer
	bus      *notifybus.Bus
	registry *registry.Registry
	logger   zerolog.Logger
	maxReadChunk int
	creditCap    uint64

	displacedCh   chan struct{}
	displacedOnce sync.Once
}

// New constructs a Session bound to the given core components. id must
// be unique per stream (used for displacement bookkeeping). creditCap
// saturates CreditGrant accumulation (spec §4.4); a value <= 0 falls
// back to the spec's recommended default, 2³¹−1.
func New(id string, st *store.Store, wr *writer.Writer, bus *notifybus.Bus, reg *registry.Registry, maxReadChunk, creditCap int, logger zerolog.Logger) *Session {
	ccap := uint64(defaultCreditCap)
	if creditCap > 0 {
		ccap = uint64(creditCap)
	}
	return &Session{
		id:           id,
		store:        st,
		writer:       wr,
		bus:          bus,
		registry:     reg,
		maxReadChunk: maxReadChunk,
		creditCap:    ccap,
		logger:       logger,
		displacedCh:  make(chan struct{}),
	}
}

func (s *Session) evict() {
	s.displacedOnce.Do(func() { close(s.displacedCh) })
}

// Run drives the session to completion: Opening, then Active/Idle,
// then Closing. It returns once the stream has ended, along with the
// status the transport should report to the client.
func (s *Session) Run(ctx context.Context, conn Conn) (Status, error) {
	first, err := conn.Recv(ctx)
	if err != nil {
		if errors.Is(err, ErrClientClosed) {
			return StatusOK, nil
		}
		return StatusCancelled, err
	}
	if first.Init == nil {
		return StatusInvalidArgument, brokererr.New(brokererr.InvalidArgument, "first frame must be SubscriptionInit")
	}
	init := *first.Init

	group := init.Group
	if group == "" {
		group = "default"
	}

	topic, ok := s.registry.Lookup(init.Topic)
	if !ok {
		return StatusNotFound, brokererr.New(brokererr.NotFound, "unknown topic: "+init.Topic)
	}

	var deliveryPosition uint64
	switch init.InitialPosition {
	case Latest:
		deliveryPosition = topic.TailSequence
	default:
		cursor, err := s.store.LookupCursor(ctx, topic.ID, group)
		if err != nil {
			return StatusInternal, brokererr.Wrap(brokererr.Internal, "lookup cursor", err)
		}
		deliveryPosition = cursor
	}

	displaced, _ := s.registry.Acquire(topic.ID, group, s.id, s.evict)
	if displaced {
		metrics.SessionsDisplacedTotal.Inc()
	}
	defer s.registry.Release(topic.ID, group, s.id)

	sub := s.bus.Subscribe(topic.ID)
	defer sub.Close()

	metrics.ActiveSubscriptions.Inc()
	defer metrics.ActiveSubscriptions.Dec()

	upstream := make(chan upstreamResult)
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	go s.pumpUpstream(readerCtx, conn, upstream)

	var credit uint32

	for {
		select {
		case <-s.displacedCh:
			return StatusDisplaced, nil
		case <-ctx.Done():
			return StatusUnavailable, ctx.Err()
		default:
		}

		if credit > 0 {
			delivered, newPos, err := s.deliverAvailable(ctx, conn, topic.ID, deliveryPosition, &credit)
			if err != nil {
				return StatusInternal, err
			}
			deliveryPosition = newPos
			if delivered > 0 {
				continue
			}
		}

		select {
		case <-s.displacedCh:
			return StatusDisplaced, nil
		case <-ctx.Done():
			return StatusUnavailable, ctx.Err()
		case res := <-upstream:
			if res.err != nil {
				if errors.Is(res.err, ErrClientClosed) {
					return StatusOK, nil
				}
				return StatusCancelled, res.err
			}
			status, terminal, err := s.handleUpstream(ctx, res.frame, topic.ID, group, &credit)
			if terminal {
				return status, err
			}
		case <-sub.Signals():
			// Wake only meaningful if there's credit; loop re-evaluates.
		}
	}
}

type upstreamResult struct {
	frame UpstreamFrame
	err   error
}

func (s *Session) pumpUpstream(ctx context.Context, conn Conn, out chan<- upstreamResult) {
	for {
		frame, err := conn.Recv(ctx)
		select {
		case out <- upstreamResult{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleUpstream applies one non-init upstream frame. terminal is true
// if the stream must end as a result (invalid frame).
func (s *Session) handleUpstream(ctx context.Context, frame UpstreamFrame, topicID int64, group string, credit *uint32) (status Status, terminal bool, err error) {
	switch {
	case frame.CreditGrant != nil:
		n := frame.CreditGrant.N
		if n == 0 {
			return "", false, nil
		}
		sum := uint64(*credit) + uint64(n)
		if sum > s.creditCap {
			sum = s.creditCap
		}
		*credit = uint32(sum)
		return "", false, nil

	case frame.Ack != nil:
		// Fire-and-forget: spec §4.4 requires acks be asynchronous to
		// delivery ("the session does not require ack-success before
		// delivering more messages"). Blocking here on the writer's
		// reply would stall both further deliveries and processing of
		// subsequent upstream frames for a full writer round-trip.
		seq := frame.Ack.Sequence
		go func() {
			if err := s.writer.Ack(ctx, writer.AckRequest{
				TopicID:  topicID,
				Group:    group,
				Sequence: seq,
			}); err != nil {
				s.logger.Warn().Err(err).Str("group", group).Msg("ack commit failed")
			}
		}()
		return "", false, nil

	default:
		return StatusInvalidArgument, true, brokererr.New(brokererr.InvalidArgument, "unrecognized upstream frame")
	}
}

// deliverAvailable reads and sends messages up to the credit balance,
// stopping when either the store runs dry or credit reaches zero.
// Returns the number of messages delivered and the new delivery
// position.
func (s *Session) deliverAvailable(ctx context.Context, conn Conn, topicID int64, deliveryPosition uint64, credit *uint32) (int, uint64, error) {
	delivered := 0
	for *credit > 0 {
		chunk := int(*credit)
		if chunk > s.maxReadChunk {
			chunk = s.maxReadChunk
		}
		msgs, err := s.store.ReadRange(ctx, topicID, deliveryPosition, chunk)
		if err != nil {
			return delivered, deliveryPosition, brokererr.Wrap(brokererr.Internal, "read_range", err)
		}
		if len(msgs) == 0 {
			return delivered, deliveryPosition, nil
		}
		for _, m := range msgs {
			if m.Sequence <= deliveryPosition {
				// Defensive: spec §9 says this is impossible by
				// construction, but a stale read must never redeliver.
				continue
			}
			if err := conn.Send(ctx, MessageDelivery{
				MessageID:   m.MessageID,
				Sequence:    m.Sequence,
				TimestampMs: m.Timestamp,
				Attributes:  m.Attributes,
				Payload:     m.Payload,
			}); err != nil {
				return delivered, deliveryPosition, err
			}
			metrics.DeliveriesTotal.Inc()
			deliveryPosition = m.Sequence
			*credit--
			delivered++
			if *credit == 0 {
				return delivered, deliveryPosition, nil
			}
		}
	}
	return delivered, deliveryPosition, nil
}
