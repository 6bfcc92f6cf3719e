package chat

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/amritsingh183/chat-server/internal/telemetry"
)

// DefaultMaxConnections is the acceptor's admission semaphore capacity.
const DefaultMaxConnections = 10000

// acceptErrorBackoff is how long the acceptor pauses after a transient
// accept error before retrying.
const acceptErrorBackoff = 100 * time.Millisecond

// Acceptor owns the listener and admits connections under a process-wide
// counting semaphore, one goroutine per admitted connection.
type Acceptor struct {
	listener net.Listener
	broker   *Broker
	registry *Registry
	log      telemetry.Logger
	metrics  *Metrics

	sem              *semaphore.Weighted
	rateLimit        int
	rateBurst        int
	outboundCapacity int

	shutdown chan struct{}
	done     chan struct{}
}

// NewAcceptor wraps an already-bound listener. maxConnections <= 0 uses
// DefaultMaxConnections. outboundCapacity is passed through to every spawned
// Connection (DefaultOutboundCapacity via NewOutboundQueue if <= 0).
func NewAcceptor(listener net.Listener, broker *Broker, registry *Registry, log telemetry.Logger, maxConnections, rateLimit, rateBurst, outboundCapacity int) *Acceptor {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	if log == nil {
		log = telemetry.NewNop()
	}
	return &Acceptor{
		listener:         listener,
		broker:           broker,
		registry:         registry,
		log:              log.With("acceptor"),
		sem:              semaphore.NewWeighted(int64(maxConnections)),
		rateLimit:        rateLimit,
		rateBurst:        rateBurst,
		outboundCapacity: outboundCapacity,
		shutdown:         make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// SetMetrics wires an optional Prometheus sink.
func (a *Acceptor) SetMetrics(m *Metrics) { a.metrics = m }

// Run accepts connections until Shutdown is called or the listener errors
// terminally. It blocks until the accept loop exits.
func (a *Acceptor) Run() {
	defer close(a.done)

	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		if !a.sem.TryAcquire(1) {
			a.log.Warn("connection limit reached, waiting for a free slot")
			if err := a.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
		}

		conn, err := a.listener.Accept()
		if err != nil {
			a.sem.Release(1)
			select {
			case <-a.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("accept error", "error", err.Error())
			time.Sleep(acceptErrorBackoff)
			continue
		}

		if a.metrics != nil {
			a.metrics.Connections.Inc()
		}
		go a.serve(conn)
	}
}

func (a *Acceptor) serve(conn net.Conn) {
	defer a.sem.Release(1)
	defer func() {
		if a.metrics != nil {
			a.metrics.Connections.Dec()
		}
	}()

	c := NewConnection(conn, a.broker, a.registry, a.log, a.rateLimit, a.rateBurst, a.outboundCapacity, a.shutdown)
	c.Run()
}

// Shutdown stops accepting new connections, signals every in-flight
// connection task via the shared shutdown channel, and closes the listener
// so a blocked Accept unblocks.
func (a *Acceptor) Shutdown() {
	close(a.shutdown)
	_ = a.listener.Close()
	<-a.done
}
