package chat

import (
	"context"
	"sync"
	"time"

	"github.com/amritsingh183/chat-server/internal/protocol"
	"github.com/amritsingh183/chat-server/internal/telemetry"
)

const (
	// DefaultRoomSendTimeout bounds how long Forward waits for room space.
	DefaultRoomSendTimeout = 100 * time.Millisecond
	// DispatcherPollInterval is the dispatcher's recv_timeout poll period.
	DispatcherPollInterval = 100 * time.Millisecond
)

// Broker is the singleton wiring the Room to the Registry. forward_to_room
// is the only ingress; a single dispatcher goroutine is the Room's sole
// consumer for the lifetime of the process.
type Broker struct {
	room     *Room
	registry *Registry
	log      telemetry.Logger

	// excludeSender selects the stricter broadcast policy (the sender does
	// not see its own echo from the server). Default is false: see the
	// resolved open question in DESIGN.md — the safe default matches
	// scenario S1 and lets clients suppress self-echo instead.
	excludeSender bool

	metrics *Metrics

	shutdownMu sync.Mutex
	shutdown   bool
	done       chan struct{}
}

// NewBroker wires room and registry together.
func NewBroker(room *Room, registry *Registry, log telemetry.Logger, excludeSender bool) *Broker {
	if log == nil {
		log = telemetry.NewNop()
	}
	return &Broker{
		room:          room,
		registry:      registry,
		log:           log,
		excludeSender: excludeSender,
		done:          make(chan struct{}),
	}
}

// SetMetrics wires an optional Prometheus sink.
func (b *Broker) SetMetrics(m *Metrics) { b.metrics = m }

// Forward is the only ingress onto the room queue.
func (b *Broker) Forward(payload []byte) error {
	return b.room.SendTimeout(payload, DefaultRoomSendTimeout)
}

func (b *Broker) isShuttingDown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.shutdown
}

// Run is the dispatcher loop: the Room's sole consumer. It must run in its
// own goroutine, exactly once per process, until Shutdown is called.
//
// A JOINED event is never delivered to the user it announces. When
// excludeSender is set, a BROADCAST is likewise not delivered to its sender.
// In both cases the Username is recovered by decoding the already
// wire-encoded payload itself — the original broker-to-registry hop used a
// separate "sender:content" serialization to carry this, which Go's ability
// to pass the fully-encoded frame straight through the queue makes
// unnecessary.
func (b *Broker) Run() {
	for {
		if b.isShuttingDown() {
			close(b.done)
			return
		}

		if b.metrics != nil {
			b.metrics.RoomDepth.Set(float64(b.room.Len()))
		}

		payload, err := b.room.RecvTimeout(DispatcherPollInterval)
		if err != nil {
			if err == ErrRoomClosed {
				close(b.done)
				return
			}
			continue // Timeout: poll again.
		}

		var exclude *Username
		if msg, decErr := protocol.Decode(payload); decErr == nil {
			if msg.Command == protocol.EvtJoined || (b.excludeSender && msg.Command == protocol.EvtBroadcast) {
				if subject, uErr := NewUsername(msg.Username); uErr == nil {
					exclude = &subject
				}
			}
		}
		b.registry.Broadcast(context.Background(), payload, exclude)
	}
}

// Shutdown flags the dispatcher to stop, closes the room so a blocked
// RecvTimeout unblocks, and waits for the dispatcher goroutine to exit.
func (b *Broker) Shutdown() {
	b.shutdownMu.Lock()
	b.shutdown = true
	b.shutdownMu.Unlock()
	b.room.Close()
	<-b.done
}
