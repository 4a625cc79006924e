package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/logging"
	"github.com/ZentaChain/relaychat/pkg/metrics"
	"github.com/ZentaChain/relaychat/pkg/protocol"
	"github.com/ZentaChain/relaychat/pkg/storage"
)

var (
	ErrBrokerStarted = errors.New("broker already started")
)

// Clock returns the current Unix time in seconds
type Clock func() int64

// BrokerConfig holds delivery settings
type BrokerConfig struct {
	Workers          int
	RetryInterval    time.Duration // wait before retrying a busy connection
	WriteTimeout     time.Duration // 0 disables
	OrderedDelivery  bool
	GlobalMessageIDs bool
}

// DefaultBrokerConfig returns default delivery settings
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Workers:         4,
		RetryInterval:   10 * time.Millisecond,
		WriteTimeout:    10 * time.Second,
		OrderedDelivery: true,
	}
}

// BrokerOption configures optional broker collaborators
type BrokerOption func(*Broker)

// WithLogger sets the broker logger
func WithLogger(logger *zap.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics the broker and its server report to
func WithMetrics(m *metrics.Metrics) BrokerOption {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithClock sets the clock used to stamp messages
func WithClock(clock Clock) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// MessageCounter hands out monotonically increasing message ids, starting at 1
type MessageCounter struct {
	n atomic.Uint64
}

// Next returns the next message id
func (c *MessageCounter) Next() uint64 {
	return c.n.Add(1)
}

// Broker routes frames between sessions. It owns the registry, the pending
// queue and the mailbox store; each has its own lock and no operation holds
// two of them at once or holds any of them across a network write.
type Broker struct {
	config  BrokerConfig
	reg     *registry
	queue   *pendingQueue
	mailbox storage.Mailbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   Clock

	globalIDs MessageCounter

	started   atomic.Bool
	wg        sync.WaitGroup
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	mailboxed atomic.Uint64
}

// NewBroker creates a broker delivering through mailbox for offline users
func NewBroker(config BrokerConfig, mailbox storage.Mailbox, opts ...BrokerOption) *Broker {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultBrokerConfig().RetryInterval
	}
	if mailbox == nil {
		mailbox = storage.NewMemoryMailbox()
	}

	lanes := 1
	if config.OrderedDelivery {
		lanes = config.Workers
	}

	b := &Broker{
		config:  config,
		reg:     newRegistry(),
		queue:   newPendingQueue(lanes),
		mailbox: mailbox,
		clock:   protocol.NowUnix,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	return b
}

// Start launches the delivery workers. They run until ctx is cancelled.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrBrokerStarted
	}

	for i := 0; i < b.config.Workers; i++ {
		idx := 0
		if b.config.OrderedDelivery {
			idx = i
		}
		b.wg.Add(1)
		go b.worker(ctx, i, idx)
	}

	b.logger.Info("delivery workers started",
		zap.Int("workers", b.config.Workers),
		zap.Int("lanes", len(b.queue.lanes)),
		zap.Bool("ordered", b.config.OrderedDelivery))
	return nil
}

// Wait blocks until every worker has exited
func (b *Broker) Wait() {
	b.wg.Wait()
}

// Register installs or overwrites the registration for userID
func (b *Broker) Register(userID uint64, conn Conn) {
	b.reg.register(userID, newHandle(conn))
	b.metrics.Registrations.Set(float64(b.reg.len()))
}

// Relogin handles a Login on an already authenticated session: when newID
// is registered, its handle is moved into oldID's slot. The session's
// active id becomes newID either way.
func (b *Broker) Relogin(oldID, newID uint64) {
	if b.reg.relogin(oldID, newID) {
		b.logger.Debug("registration relocated",
			zap.Uint64("from", newID), zap.Uint64("to", oldID))
	}
	b.metrics.Registrations.Set(float64(b.reg.len()))
}

// NewMessageCounter returns the id source for a new session: a fresh
// counter, or the shared process-wide one when GlobalMessageIDs is set.
func (b *Broker) NewMessageCounter() *MessageCounter {
	if b.config.GlobalMessageIDs {
		return &b.globalIDs
	}
	return &MessageCounter{}
}

// EnqueueMessage assigns the next message id from ids and queues an Update
// for the sender followed by the routed Msg for the recipient.
func (b *Broker) EnqueueMessage(ids *MessageCounter, senderID uint64, msg protocol.ClientMessage) uint64 {
	msgID := ids.Next()

	update := protocol.Update{FakeID: msg.FakeID, RealID: msgID}
	routed := protocol.NewServerMessage(msgID, senderID, b.clock(), msg.Text)

	b.push(
		pendingItem{recipient: senderID, frame: update.Encode()},
		pendingItem{recipient: msg.To, frame: routed.Encode()},
	)

	b.enqueued.Add(1)
	b.metrics.MessagesEnqueued.Inc()
	return msgID
}

// Pull moves userID's mailbox, in order, to the back of the pending queue
func (b *Broker) Pull(userID uint64) (int, error) {
	b.metrics.Pulls.Inc()

	frames, err := b.mailbox.Take(userID)
	if err != nil {
		return 0, errors.Wrapf(err, "take mailbox of user %d", userID)
	}
	if len(frames) == 0 {
		return 0, nil
	}

	items := make([]pendingItem, len(frames))
	for i, frame := range frames {
		items[i] = pendingItem{recipient: userID, frame: frame}
	}
	b.push(items...)

	b.logger.Debug("mailbox pulled", zap.Uint64("user_id", userID), zap.Int("frames", len(frames)))
	return len(frames), nil
}

func (b *Broker) push(items ...pendingItem) {
	b.queue.push(items...)
	b.metrics.PendingFrames.Add(float64(len(items)))
}

func (b *Broker) worker(ctx context.Context, id, laneIdx int) {
	defer b.wg.Done()

	logger := b.logger.With(zap.Int("worker", id), zap.Int("lane", laneIdx))
	for {
		item, ok := b.queue.pop(ctx, laneIdx)
		if !ok {
			logger.Debug("delivery worker stopped")
			return
		}
		b.metrics.PendingFrames.Dec()
		b.deliver(ctx, logger, item)
	}
}

// deliver writes item to its recipient's connection, falling back to the
// mailbox when the recipient is offline or the write fails. A busy
// connection is retried until it is checked back in or removed.
func (b *Broker) deliver(ctx context.Context, logger *zap.Logger, item pendingItem) {
	for {
		reg, status := b.reg.checkout(item.recipient)
		switch status {
		case checkoutAbsent:
			b.stash(logger, item, "offline")
			return

		case checkoutBusy:
			b.metrics.CheckoutWaits.Inc()
			select {
			case <-ctx.Done():
				b.stash(logger, item, "shutdown")
				return
			case <-time.After(b.config.RetryInterval):
			}
			continue
		}

		if err := reg.h.writeFrame(item.frame, b.config.WriteTimeout); err != nil {
			b.reg.remove(reg)
			reg.h.conn.Close()
			b.metrics.DeliveryFailures.Inc()
			b.metrics.Registrations.Set(float64(b.reg.len()))
			logger.Info("delivery failed, recipient deregistered",
				zap.Uint64("user_id", item.recipient), zap.Error(err))
			b.stash(logger, item, "write_failed")
			return
		}

		b.reg.checkin(reg)
		b.delivered.Add(1)
		b.metrics.FramesDelivered.Inc()
		return
	}
}

func (b *Broker) stash(logger *zap.Logger, item pendingItem, reason string) {
	if err := b.mailbox.Append(item.recipient, item.frame); err != nil {
		b.metrics.MailboxErrors.Inc()
		logger.Error("mailbox append failed, frame dropped",
			zap.Uint64("user_id", item.recipient), zap.Error(err))
		return
	}
	b.mailboxed.Add(1)
	b.metrics.FramesMailboxed.WithLabelValues(reason).Inc()
}

// Flush moves everything still queued into the mailbox store. Call it
// after the workers have stopped.
func (b *Broker) Flush() int {
	items := b.queue.drain()
	for _, item := range items {
		b.stash(b.logger, item, "shutdown")
	}
	b.metrics.PendingFrames.Sub(float64(len(items)))
	return len(items)
}

// IsOnline reports whether userID has a live registration
func (b *Broker) IsOnline(userID uint64) bool {
	return b.reg.has(userID)
}

// Users returns the registered user ids in ascending order
func (b *Broker) Users() []uint64 {
	return b.reg.users()
}

// MailboxCount returns the number of frames held for userID
func (b *Broker) MailboxCount(userID uint64) (int, error) {
	return b.mailbox.Count(userID)
}

// Stats is a snapshot of broker activity
type Stats struct {
	Workers          int                   `json:"workers"`
	Lanes            int                   `json:"lanes"`
	OrderedDelivery  bool                  `json:"ordered_delivery"`
	Registrations    int                   `json:"registrations"`
	PendingFrames    int                   `json:"pending_frames"`
	MessagesEnqueued uint64                `json:"messages_enqueued"`
	FramesDelivered  uint64                `json:"frames_delivered"`
	FramesMailboxed  uint64                `json:"frames_mailboxed"`
	Mailbox          *storage.MailboxStats `json:"mailbox,omitempty"`
}

// Stats returns broker statistics
func (b *Broker) Stats() Stats {
	stats := Stats{
		Workers:          b.config.Workers,
		Lanes:            len(b.queue.lanes),
		OrderedDelivery:  b.config.OrderedDelivery,
		Registrations:    b.reg.len(),
		PendingFrames:    b.queue.len(),
		MessagesEnqueued: b.enqueued.Load(),
		FramesDelivered:  b.delivered.Load(),
		FramesMailboxed:  b.mailboxed.Load(),
	}

	if mb, err := b.mailbox.Stats(); err == nil {
		stats.Mailbox = mb
	} else {
		b.logger.Warn("mailbox stats unavailable", zap.Error(err))
	}
	return stats
}

// Logger returns the broker's logger
func (b *Broker) Logger() *zap.Logger {
	return b.logger
}

// Metrics returns the broker's metrics
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}
