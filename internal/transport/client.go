package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

// pendingKey identifies an in-flight request awaiting its paired response,
// the same (endpoint, tag) shape the teacher's runner uses to key its
// in-flight completion map, with instance-id standing in for io_uring tag.
type pendingKey struct {
	endpointID uint8
	instanceID uint8
}

// EventHandler receives every event frame addressed to endpointID. Handlers
// run on the Client's single recv goroutine and must not block; long work
// belongs on a Task (internal/sched) posted from inside the handler.
type EventHandler func(endpointID uint8, ev wire.Event)

// Client correlates requests to responses by (endpoint id, instance id) and
// fans out event frames to subscribers, per spec §4.2. One instance-id
// counter per endpoint is cycled through its 5-bit range (I2): an instance
// id is not reused until its predecessor's response (or timeout) has
// retired, enforced here by refusing to allocate an id still pending.
type Client struct {
	conn Conn

	mu          sync.Mutex
	nextID      map[uint8]uint8
	pending     map[pendingKey]chan wire.ResponseEnvelope
	subscribers map[uint8][]EventHandler
	globalSubs  []EventHandler

	closed chan struct{}
}

// NewClient starts a Client reading frames from conn until Close. The
// background recv loop is the only goroutine that ever touches conn.Recv.
func NewClient(conn Conn) *Client {
	c := &Client{
		conn:        conn,
		nextID:      make(map[uint8]uint8),
		pending:     make(map[pendingKey]chan wire.ResponseEnvelope),
		subscribers: make(map[uint8][]EventHandler),
		closed:      make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Close stops the recv loop and the underlying conn.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

// allocInstanceID returns the next unused instance id for endpointID,
// cycling through the 5-bit space and skipping ids with a response still
// outstanding. Returns a plain error, rather than blocking forever, if every
// id is in flight.
func (c *Client) allocInstanceID(endpointID uint8) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.nextID[endpointID]
	id := start
	for i := 0; i < 32; i++ {
		key := pendingKey{endpointID: endpointID, instanceID: id}
		if _, busy := c.pending[key]; !busy {
			c.nextID[endpointID] = (id + 1) % 32
			return id, nil
		}
		id = (id + 1) % 32
	}
	return 0, fmt.Errorf("transport: endpoint %d has no free instance id", endpointID)
}

// SendAndAwait builds a request frame for (msgType, command, payload),
// allocates and embeds an instance id, sends it to endpointID, and blocks
// until the paired response arrives or ctx is done.
func (c *Client) SendAndAwait(ctx context.Context, endpointID, msgType, command uint8, payload []byte) (wire.ResponseEnvelope, error) {
	resp, _, err := c.SendAndAwaitInstance(ctx, endpointID, msgType, command, payload)
	return resp, err
}

// SendAndAwaitInstance behaves exactly like SendAndAwait but also returns
// the instance id the request was stamped with, needed by long-running
// sensors (spec §4.5) to register their completion waiter with the event
// dispatcher under the exact (endpoint, type, command, instance-id) tuple.
func (c *Client) SendAndAwaitInstance(ctx context.Context, endpointID, msgType, command uint8, payload []byte) (wire.ResponseEnvelope, uint8, error) {
	instanceID, err := c.allocInstanceID(endpointID)
	if err != nil {
		return wire.ResponseEnvelope{}, 0, err
	}

	key := pendingKey{endpointID: endpointID, instanceID: instanceID}
	ch := make(chan wire.ResponseEnvelope, 1)

	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}

	frame := wire.BuildRequest(instanceID, msgType, command, payload)
	if err := c.conn.Send(endpointID, frame); err != nil {
		cleanup()
		return wire.ResponseEnvelope{}, instanceID, fmt.Errorf("transport: send to endpoint %d: %w", endpointID, err)
	}

	select {
	case resp := <-ch:
		return resp, instanceID, nil
	case <-ctx.Done():
		cleanup()
		return wire.ResponseEnvelope{}, instanceID, fmt.Errorf("transport: await response from endpoint %d instance %d: %w", endpointID, instanceID, ctx.Err())
	case <-c.closed:
		cleanup()
		return wire.ResponseEnvelope{}, instanceID, fmt.Errorf("transport: conn closed while awaiting endpoint %d", endpointID)
	}
}

// SendAck transmits the acknowledgement datagram for ev back to endpointID,
// the transport-level half of spec §4.6's "the dispatcher forwards the ack
// via the transport" — fire-and-forget, no paired response is awaited.
func (c *Client) SendAck(endpointID uint8, ev wire.Event) error {
	frame := wire.BuildAckFrame(ev.Header.InstanceID, ev.EventClass, ev.EventID, ev.State)
	if err := c.conn.Send(endpointID, frame); err != nil {
		return fmt.Errorf("transport: send ack to endpoint %d: %w", endpointID, err)
	}
	return nil
}

// SubscribeEvents registers handler for events from endpointID. Passing
// endpointID zero subscribes to events from every endpoint (used by the
// event dispatcher's rediscovery-event routing, spec §4.6).
func (c *Client) SubscribeEvents(endpointID uint8, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if endpointID == 0 {
		c.globalSubs = append(c.globalSubs, handler)
		return
	}
	c.subscribers[endpointID] = append(c.subscribers[endpointID], handler)
}

// recvLoop demultiplexes inbound frames: responses complete a pending
// SendAndAwait; events fan out to subscribers. Event handlers are called
// synchronously on this goroutine, so a handler that blocks (against the
// EventHandler contract) stalls the whole client the same way a single slow
// internal/queue.Runner completion callback would stall ublk's queue.
func (c *Client) recvLoop() {
	for {
		endpointID, frame, ok := c.conn.Recv()
		if !ok {
			return
		}
		hdr, err := wire.DecodeHeader(frame)
		if err != nil {
			continue
		}
		if hdr.Datagram {
			c.dispatchEvent(endpointID, frame)
			continue
		}
		if hdr.Request {
			// Requests addressed to us are not expected on this conn; ignore.
			continue
		}
		c.dispatchResponse(endpointID, hdr.InstanceID, frame)
	}
}

func (c *Client) dispatchResponse(endpointID, instanceID uint8, frame []byte) {
	afterCommand, err := wire.ResponseAfterCommand(frame)
	if err != nil {
		return
	}
	env, res := wire.DecodeResponseEnvelope(afterCommand)
	if res != wire.Success {
		return
	}

	key := pendingKey{endpointID: endpointID, instanceID: instanceID}
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		ch <- env
	}
}

func (c *Client) dispatchEvent(endpointID uint8, frame []byte) {
	ev, res := wire.DecodeEvent(frame)
	if res != wire.Success {
		return
	}

	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.subscribers[endpointID]...)
	handlers = append(handlers, c.globalSubs...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(endpointID, ev)
	}
}
