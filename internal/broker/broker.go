// Package broker wires the five core components (store, writer,
// notify bus, registry, subscription engine) into the single engine
// type the transport layer drives. It owns startup bootstrap (loading
// topics and sequence counters from the store) and shutdown ordering,
// grounded on the teacher's Server type (server.go) as the analogous
// "owns everything, exposes a small surface to the transport" object.
package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
	"github.com/heisenbergs-uncertainty/sluice/internal/config"
	"github.com/heisenbergs-uncertainty/sluice/internal/notifybus"
	"github.com/heisenbergs-uncertainty/sluice/internal/registry"
	"github.com/heisenbergs-uncertainty/sluice/internal/store"
	"github.com/heisenbergs-uncertainty/sluice/internal/subscription"
	"github.com/heisenbergs-uncertainty/sluice/internal/validate"
	"github.com/heisenbergs-uncertainty/sluice/internal/writer"
)

// Broker is the assembled core: every operation the transport needs is
// a method on this type.
type Broker struct {
	cfg      *config.Config
	store    *store.Store
	writer   *writer.Writer
	bus      *notifybus.Bus
	registry *registry.Registry
	logger   zerolog.Logger

	shuttingDown atomic.Bool
	sessionSeq   atomic.Int64
}

// Open opens the durable store, bootstraps the registry and writer
// sequence counters from it, and starts the writer's batch-commit
// loop. The caller must call Close (after stopping new work) to drain
// and exit cleanly.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Broker, error) {
	st, err := store.Open(cfg.DataDir, cfg.ReadPoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: open store: %w", err)
	}

	reg := registry.New()
	topics, err := st.ListTopics(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("broker: list topics at boot: %w", err)
	}

	bus := notifybus.New()
	wr := writer.New(st, bus, writer.Config{
		MaxBatchSize:       cfg.MaxBatchSize,
		BatchLinger:        cfg.BatchLinger(),
		WriteQueueCapacity: cfg.WriteQueueCapacity,
	}, logger)

	entries := make([]registry.TopicEntry, 0, len(topics))
	for _, t := range topics {
		tail, err := st.MaxSequence(ctx, t.ID)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("broker: bootstrap sequence for topic %q: %w", t.Name, err)
		}
		wr.SeedTail(t.ID, tail)
		entries = append(entries, registry.TopicEntry{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt, TailSequence: tail})
	}
	reg.Load(entries)

	b := &Broker{
		cfg:      cfg,
		store:    st,
		writer:   wr,
		bus:      bus,
		registry: reg,
		logger:   logger,
	}

	go wr.Run(ctx)

	logger.Info().Int("topics", len(entries)).Msg("broker opened")
	return b, nil
}

// PublishResult mirrors writer.PublishResult for transport consumption.
type PublishResult = writer.PublishResult

// Publish resolves/creates the named topic and appends one message.
// Returns ResourceExhausted if the write queue is full, Unavailable if
// the broker is shutting down.
func (b *Broker) Publish(ctx context.Context, topicName string, attributes map[string]string, payload []byte) (PublishResult, error) {
	if b.shuttingDown.Load() {
		return PublishResult{}, brokererr.New(brokererr.Unavailable, "broker is shutting down")
	}

	lim := b.limits()
	if err := validate.Topic(topicName, lim); err != nil {
		return PublishResult{}, err
	}
	if err := validate.Publish(payload, attributes, lim); err != nil {
		return PublishResult{}, err
	}

	topicID, err := b.resolveOrCreateTopic(ctx, topicName)
	if err != nil {
		return PublishResult{}, err
	}

	res, err := b.writer.Publish(ctx, writer.PublishRequest{
		TopicID:    topicID,
		Attributes: attributes,
		Payload:    payload,
	})
	if err != nil {
		return PublishResult{}, err
	}
	b.registry.UpdateTail(topicID, res.Sequence)
	return res, nil
}

func (b *Broker) limits() validate.Limits {
	return validate.Limits{
		MaxPayloadBytes: b.cfg.MaxPayloadBytes,
		MaxAttributes:   b.cfg.MaxAttributes,
		MaxAttrKVBytes:  b.cfg.MaxAttrKVBytes,
		MaxTopicNameLen: b.cfg.MaxTopicNameLen,
	}
}

// resolveOrCreateTopic resolves name against the registry cache, falling
// back to the writer's EnsureTopic command when the cache misses (spec
// §4.2 step 3: "resolve/create its topic through (E)'s in-memory cache
// (falling back to ensure_topic)"). Routing through the writer keeps
// topic creation serialized on the single writer goroutine alongside
// publish and ack, rather than racing the store directly.
func (b *Broker) resolveOrCreateTopic(ctx context.Context, name string) (int64, error) {
	if entry, ok := b.registry.Lookup(name); ok {
		return entry.ID, nil
	}
	res, err := b.writer.EnsureTopic(ctx, name)
	if err != nil {
		return 0, err
	}
	entry := b.registry.Register(res.TopicID, name, res.CreatedAt)
	return entry.ID, nil
}

// ListTopics returns every known topic, lexicographically by name.
func (b *Broker) ListTopics() []registry.TopicEntry {
	return b.registry.List()
}

// NewSession constructs a Subscribe-stream session bound to this
// broker's components. The transport supplies a unique id per stream.
func (b *Broker) NewSession(id string) *subscription.Session {
	return subscription.New(id, b.store, b.writer, b.bus, b.registry, b.cfg.ReadChunkSize, b.cfg.CreditCap, b.logger)
}

// NextSessionID hands out a process-unique session identifier, in the
// same atomic-counter idiom as the teacher's Server.clientCount.
func (b *Broker) NextSessionID() string {
	n := b.sessionSeq.Add(1)
	return fmt.Sprintf("sess-%d", n)
}

// BeginShutdown stops admitting new Publish work: Publish returns
// Unavailable from then on. It does not affect NewSession; refusing new
// Subscribe streams and signalling existing sessions to close is left
// to the caller (transport layer), which then calls Close.
func (b *Broker) BeginShutdown() {
	b.shuttingDown.Store(true)
}

// ShuttingDown reports whether BeginShutdown has been called.
func (b *Broker) ShuttingDown() bool {
	return b.shuttingDown.Load()
}

// Close drains the writer's queue, commits any final batch, and closes
// the store. Must be called after all sessions have been signalled to
// close (spec §5, "graceful shutdown").
func (b *Broker) Close() error {
	b.writer.Close()
	return b.store.Close()
}
