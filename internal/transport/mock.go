package transport

import (
	"sync"

	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

// MockConn is an in-memory loopback Conn, grounded on the teacher's
// backend.Memory: a RAM-backed stand-in for a medium that in production is
// a real MCTP socket, wired directly to a MockDevice instead of a kernel.
type MockConn struct {
	mu     sync.Mutex
	inbox  chan inboundFrame
	device *MockDevice
	closed bool
}

type inboundFrame struct {
	endpointID uint8
	frame      Frame
}

// NewMockConn creates a MockConn bound to device; every frame Sent on this
// conn is handed to device, and every frame device emits is delivered back
// through Recv.
func NewMockConn(device *MockDevice) *MockConn {
	c := &MockConn{inbox: make(chan inboundFrame, 64)}
	c.device = device
	device.attach(c)
	return c
}

func (c *MockConn) Send(endpointID uint8, frame Frame) error {
	c.device.handle(c, endpointID, frame)
	return nil
}

func (c *MockConn) Recv() (uint8, Frame, bool) {
	in, ok := <-c.inbox
	if !ok {
		return 0, nil, false
	}
	return in.endpointID, in.frame, true
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

// deliver pushes a frame from the device to the client side. Called from
// MockDevice's handler goroutines, so it must tolerate a closed conn.
func (c *MockConn) deliver(endpointID uint8, frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbox <- inboundFrame{endpointID: endpointID, frame: frame}
}

// CommandHandler computes a response (a full response frame built via
// wire.BuildSuccessResponse/BuildErrorResponse) for a decoded request.
type CommandHandler func(endpointID uint8, instanceID uint8, msgType, command uint8, payload []byte) Frame

// MockDevice is a programmable fake NSM endpoint complex used by tests and
// the end-to-end scenarios in place of real MCTP hardware, the same role
// the teacher's in-memory Memory backend plays for ublk's I/O plane and the
// original implementation's MockDevice plays for its transport interface.
type MockDevice struct {
	mu       sync.Mutex
	handlers map[uint8]map[uint8]CommandHandler // msgType -> command -> handler
	conns    []*MockConn
}

// NewMockDevice creates an empty mock device; register behavior with
// OnCommand before attaching clients.
func NewMockDevice() *MockDevice {
	return &MockDevice{handlers: make(map[uint8]map[uint8]CommandHandler)}
}

// OnCommand registers the response-producing function for (msgType,
// command), applied across every endpoint unless the handler itself
// branches on endpointID.
func (d *MockDevice) OnCommand(msgType, command uint8, handler CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[msgType] == nil {
		d.handlers[msgType] = make(map[uint8]CommandHandler)
	}
	d.handlers[msgType][command] = handler
}

// EmitEvent pushes an event frame to every attached conn, as if it
// originated from endpointID. Used by tests driving rediscovery and
// long-running completion scenarios.
func (d *MockDevice) EmitEvent(endpointID uint8, frame Frame) {
	d.mu.Lock()
	conns := append([]*MockConn(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		c.deliver(endpointID, frame)
	}
}

func (d *MockDevice) attach(c *MockConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *MockDevice) handle(origin *MockConn, endpointID uint8, frame Frame) {
	msgType, err := wire.MessageType(frame)
	if err != nil {
		return
	}
	command, err := wire.RequestCommand(frame)
	if err != nil {
		return
	}
	payload, err := wire.RequestPayload(frame)
	if err != nil {
		return
	}
	hdr, err := wire.DecodeHeader(frame)
	if err != nil {
		return
	}

	d.mu.Lock()
	handler := d.handlers[msgType][command]
	d.mu.Unlock()

	if handler == nil {
		resp := wire.BuildErrorResponse(hdr.InstanceID, msgType, command, wire.CCUnsupportedCmd, 0)
		origin.deliver(endpointID, resp)
		return
	}

	resp := handler(endpointID, hdr.InstanceID, msgType, command, payload)
	if resp == nil {
		// Handler deliberately withholds a reply, simulating a device that
		// never responds so callers can exercise timeout paths.
		return
	}
	origin.deliver(endpointID, resp)
}
