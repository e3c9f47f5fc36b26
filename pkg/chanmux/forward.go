package chanmux

import (
	"fmt"
	"io"
)

// forwardChannel is the shared core of the forwarding endpoint flavors. It
// pumps inbound channel data into a DataConsumer and optionally owns an
// ancillary resource (typically the forwarded socket) that is released with
// the channel.
type forwardChannel struct {
	ChannelDefaults

	// WindowSize, when nonzero, overrides the advertised receive window.
	WindowSize uint32

	log      Logger
	consumer DataConsumer
	handle   SSHChannel
	closer   io.Closer
	closeMsg string

	inputWanted bool
}

var _ Channel = (*forwardChannel)(nil)
var _ HandleSetter = (*forwardChannel)(nil)

func (f *forwardChannel) InitialWindowSize() uint32 {
	if f.WindowSize != 0 {
		return f.WindowSize
	}
	return DefaultInitialWindowSize
}

func (f *forwardChannel) SetHandle(sc SSHChannel) {
	f.handle = sc
}

// Handle returns the SSHChannel this endpoint talks back through. Nil until
// the channel is registered with a Multiplexer.
func (f *forwardChannel) Handle() SSHChannel {
	return f.handle
}

func (f *forwardChannel) OpenConfirmation() {
	f.log.DLogf("Forwarded channel open confirmed")
}

// OpenFailed releases the ancillary resource right away so the far end of
// the forwarded connection sees the failure promptly. The object itself is
// still owned, and freed, by its creator.
func (f *forwardChannel) OpenFailed(errText string) {
	f.log.ILogf("Forwarded channel open failed: %s", errText)
	if f.closer != nil {
		f.closer.Close()
		f.closer = nil
	}
}

func (f *forwardChannel) Send(isStderr bool, data []byte) int {
	if isStderr {
		// Forwarded streams have no stderr; anything so marked is peer
		// confusion. Count it against the window and drop it.
		f.log.WLogf("Discarding %d bytes of stderr data on a forwarded channel", len(data))
		return len(data)
	}
	return f.consumer.ConsumeData(false, data)
}

func (f *forwardChannel) SendEOF() {
	f.consumer.ConsumeEOF()
}

func (f *forwardChannel) SetInputWanted(wanted bool) {
	f.inputWanted = wanted
	if g, ok := f.consumer.(InputGate); ok {
		g.SetInputWanted(wanted)
	}
}

// InputWanted reports whether the channel wants more local input.
func (f *forwardChannel) InputWanted() bool {
	return f.inputWanted
}

func (f *forwardChannel) LogCloseMsg() string {
	return f.closeMsg
}

func (f *forwardChannel) Free() {
	if f.closer != nil {
		f.closer.Close()
		f.closer = nil
	}
}

// PortForwardChannel is the local end of a direct-tcpip or forwarded-tcpip
// channel carrying one forwarded TCP connection.
type PortForwardChannel struct {
	forwardChannel
}

// NewPortForwardChannel creates a PortForwardChannel delivering inbound data
// to consumer. closer, if non-nil, is released with the channel (and on open
// failure); it is typically the forwarded socket.
func NewPortForwardChannel(log Logger, consumer DataConsumer, closer io.Closer) *PortForwardChannel {
	return &PortForwardChannel{forwardChannel{
		log:         log,
		consumer:    consumer,
		closer:      closer,
		closeMsg:    "forwarded port connection closed",
		inputWanted: true,
	}}
}

// X11ForwardChannel is the local end of an x11 channel carrying one
// forwarded X11 client connection.
type X11ForwardChannel struct {
	forwardChannel
}

// NewX11ForwardChannel creates an X11ForwardChannel delivering inbound data
// to consumer. closer, if non-nil, is the X server connection, released with
// the channel.
func NewX11ForwardChannel(log Logger, consumer DataConsumer, closer io.Closer) *X11ForwardChannel {
	return &X11ForwardChannel{forwardChannel{
		log:         log,
		consumer:    consumer,
		closer:      closer,
		closeMsg:    "X11 connection closed",
		inputWanted: true,
	}}
}

// AgentForwardChannel is the local end of an auth-agent channel carrying one
// forwarded SSH agent connection.
type AgentForwardChannel struct {
	forwardChannel
}

// NewAgentForwardChannel creates an AgentForwardChannel delivering inbound
// data to consumer. closer, if non-nil, is the agent socket connection,
// released with the channel.
func NewAgentForwardChannel(log Logger, consumer DataConsumer, closer io.Closer) *AgentForwardChannel {
	return &AgentForwardChannel{forwardChannel{
		log:         log,
		consumer:    consumer,
		closer:      closer,
		closeMsg:    "agent connection closed",
		inputWanted: true,
	}}
}

// RefusingOpenHandler is an OpenHandler that refuses every inbound open with
// a fixed reason, for deployments that never accept peer-initiated channels
// but want a message more specific than the no-handler default.
type RefusingOpenHandler struct {
	Reason  RejectionReason
	Message string
}

var _ OpenHandler = (*RefusingOpenHandler)(nil)

// NewInboundChannel always refuses.
func (h *RefusingOpenHandler) NewInboundChannel(chanType string, extraData []byte) (Channel, error) {
	msg := h.Message
	if msg == "" {
		msg = fmt.Sprintf("%q channels not supported", chanType)
	}
	return nil, &OpenError{Reason: h.Reason, Message: msg}
}
