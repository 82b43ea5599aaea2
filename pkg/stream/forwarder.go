package stream

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeliverFunc hands a payload to the transport if sessionID is still the
// connection's current session. It reports whether the payload was written.
type DeliverFunc func(sessionID string, payload []byte) (bool, error)

// Forwarder owns the subscriber of one connection's topic and passes every
// message to its DeliverFunc, in order.
type Forwarder struct {
	connID     string
	subscriber message.Subscriber
	owned      bool
	deliver    DeliverFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewForwarder builds a forwarder. owned subscribers are closed by Close.
func NewForwarder(connID string, subscriber message.Subscriber, owned bool, deliver DeliverFunc) *Forwarder {
	return &Forwarder{
		connID:     connID,
		subscriber: subscriber,
		owned:      owned,
		deliver:    deliver,
	}
}

// Start subscribes before returning, so events published afterwards are not missed.
func (f *Forwarder) Start(ctx context.Context) error {
	if f == nil || f.subscriber == nil {
		return errors.New("forwarder has no subscriber")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, TopicForConnection(f.connID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", TopicForConnection(f.connID))
	}
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true
	go f.consume(ch, f.done)
	return nil
}

// Stop cancels the subscription and waits for the consume loop to exit.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close stops the forwarder and closes a dedicated subscriber.
func (f *Forwarder) Close() {
	if f == nil {
		return
	}
	f.Stop()
	if f.owned && f.subscriber != nil {
		if err := f.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("conn_id", f.connID).Msg("forwarder: subscriber close failed")
		}
	}
}

func (f *Forwarder) IsRunning() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Forwarder) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "stream").Str("conn_id", f.connID).Msg("forwarder: started")
	for msg := range ch {
		sid := msg.Metadata.Get(MetadataSessionID)
		delivered, err := f.deliver(sid, msg.Payload)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("component", "stream").Str("conn_id", f.connID).Str("session_id", sid).Msg("forwarder: delivery failed")
		case !delivered:
			log.Debug().Str("component", "stream").Str("conn_id", f.connID).Str("session_id", sid).
				Str("event_type", msg.Metadata.Get(MetadataType)).Msg("forwarder: dropping stale event")
		}
		msg.Ack()
	}
	log.Debug().Str("component", "stream").Str("conn_id", f.connID).Msg("forwarder: stopped")
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}
