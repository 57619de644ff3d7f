package transport

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

// outboxKey is the transaction item holding the outbox.
const outboxKey = "servicebus-transport/outbox"

type outgoing struct {
	dest address.Destination
	env  *broker.Message
}

// outbox collects the messages sent in one transaction.
type outbox struct {
	mu   sync.Mutex
	msgs []outgoing
	done bool
}

func (o *outbox) add(m outgoing) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false
	}
	o.msgs = append(o.msgs, m)
	return true
}

// take empties the outbox. Later adds are rejected.
func (o *outbox) take() []outgoing {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	o.done = true
	return msgs
}

type group struct {
	dest address.Destination
	msgs []*broker.Message
}

// groupByDestination keeps the first-seen order of destinations and the
// enqueue order of messages within a destination.
func groupByDestination(msgs []outgoing) []*group {
	var groups []*group
	index := make(map[address.Destination]*group)
	for _, m := range msgs {
		key := address.Destination{Kind: m.dest.Kind, Name: cacheKey(m.dest.Name)}
		g, ok := index[key]
		if !ok {
			g = &group{dest: m.dest}
			index[key] = g
			groups = append(groups, g)
		}
		g.msgs = append(g.msgs, m.env)
	}
	return groups
}

// Dispatcher buffers outgoing messages per transaction and sends them when
// the transaction commits.
type Dispatcher struct {
	resources *Resources
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// NewDispatcher returns a Dispatcher sending through resources.
func NewDispatcher(resources *Resources, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{resources: resources, cfg: cfg, log: log, metrics: m}
}

// Send adds msg to the outbox of tx. destination is a queue name or an
// encoded publish address. Nothing is sent until tx commits. A tx that
// already finished or was disposed is rejected with a fatal error.
func (d *Dispatcher) Send(_ context.Context, destination string, msg *message.TransportMessage, tx *txcontext.Context) error {
	dest, err := address.Parse(destination)
	if err != nil {
		return err
	}
	env, err := toEnvelope(msg)
	if err != nil {
		return faults.Fatal(err, "cannot send message to %s %q", dest.Kind, dest.Name)
	}

	var created *outbox
	v, err := tx.GetOrAdd(outboxKey, func() any {
		// held until the hooks are registered so no concurrent Send adds
		// to an outbox the transaction never dispatches
		created = &outbox{}
		created.mu.Lock()
		return created
	})
	if err != nil {
		return faults.Fatal(err, "cannot send message %q to %q", env.MessageID, destination)
	}
	if created != nil {
		err := d.enlist(tx, created)
		if err != nil {
			created.done = true
		}
		created.mu.Unlock()
		if err != nil {
			return faults.Fatal(err, "cannot send message %q to %q", env.MessageID, destination)
		}
	}
	if !v.(*outbox).add(outgoing{dest: dest, env: env}) {
		return faults.Fatal(txcontext.ErrAlreadyFinished, "cannot send message %q to %q", env.MessageID, destination)
	}
	return nil
}

// enlist hooks ob into tx. It fails when tx finished after the outbox was
// stored. The hooks take ob.mu, so they wait for the caller to release it.
func (d *Dispatcher) enlist(tx *txcontext.Context, ob *outbox) error {
	if err := tx.OnCommitted(func(ctx context.Context) error {
		return d.dispatch(ctx, ob.take())
	}); err != nil {
		return err
	}
	return tx.OnAborted(func(context.Context) {
		if n := len(ob.take()); n > 0 {
			d.log.Debugw("discarded outgoing messages of aborted transaction", "messages", n)
		}
	})
}

// dispatch sends msgs grouped by destination. Groups are sent concurrently,
// batches of one group in order. A failing group does not stop the others
// and messages already sent stay sent.
func (d *Dispatcher) dispatch(ctx context.Context, msgs []outgoing) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	groups := groupByDestination(msgs)

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrentDispatches)
	for _, grp := range groups {
		g.Go(func() error {
			return d.dispatchGroup(ctx, grp)
		})
	}
	err := g.Wait()

	d.metrics.ObserveDispatch(len(msgs), time.Since(start).Seconds())
	d.log.Debugw("dispatched outgoing messages",
		"messages", len(msgs),
		"destinations", len(groups),
		"duration", time.Since(start),
		"error", err)
	return err
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, grp *group) error {
	kind := grp.dest.Kind.String()
	name := grp.dest.Name

	var (
		sender broker.Sender
		err    error
	)
	if grp.dest.IsTopic() {
		sender, err = d.resources.TopicSenderFor(name)
	} else {
		sender, err = d.resources.SenderFor(name)
	}
	if err != nil {
		return faults.Fatal(err, "failed to dispatch to %s %q", kind, name)
	}

	sent := 0
	for batch := range slices.Chunk(grp.msgs, broker.MaxBatchSize) {
		err := sender.SendBatch(ctx, batch)
		d.metrics.RecordBatch(kind, len(batch), err)
		if err == nil {
			sent += len(batch)
			continue
		}

		if grp.dest.IsTopic() && faults.IsNotFound(err) {
			if d.cfg.RequireExistingTopics {
				d.metrics.IncError(faults.KindNotFound.String())
				return faults.Fatal(err, "topic %q does not exist", name)
			}
			dropped := len(grp.msgs) - sent
			d.log.Warnw("topic does not exist, dropping published messages",
				"topic", name,
				"messages", dropped)
			d.metrics.RecordDropped(dropped)
			return nil
		}

		d.metrics.IncError(faults.Classify(err).String())
		return faults.Fatal(err, "failed to send %d messages to %s %q", len(batch), kind, name)
	}
	return nil
}
