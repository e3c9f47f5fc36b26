package chanmux

// Channel is the local-side logic of one multiplexed SSH data stream. A
// Multiplexer owns exactly one Channel and one SSHChannel handle per live
// channel id; the two are created and destroyed together.
//
// Every method is invoked synchronously from the transport's I/O goroutine
// and must not block. A Channel that wants the standard policies should
// embed ChannelDefaults and override only what differs.
type Channel interface {
	// InitialWindowSize is the receive-window credit advertised to the peer
	// when the channel opens. It is read once at creation and never changes;
	// only the current credit changes afterwards, via explicit window-adjust
	// accounting held by the handle.
	InitialWindowSize() uint32

	// Free releases all local resources held by the channel. The Multiplexer
	// calls it once close has been negotiated in both directions on the wire,
	// or directly on an error path. The one exception is open failure: there
	// the entity that created the Channel calls Free, never the Multiplexer.
	Free()

	// OpenConfirmation is called exactly once, only for locally-initiated
	// channels, when the peer confirms the open. It cannot fail.
	OpenConfirmation()

	// OpenFailed is called exactly once, only for locally-initiated channels,
	// when the peer refuses the open. It must NOT free the Channel; the
	// creator calls Free separately. It may release ancillary local resources
	// (a listening socket, say) and log errText.
	OpenFailed(errText string)

	// Send delivers inbound bytes from the peer (primary stream, or the
	// stderr extended stream when isStderr is true) to the local consumer
	// and returns how many were accepted. It must never block; bytes not
	// accepted are counted as locally buffered by the Multiplexer, which
	// withholds receive-window grants from the peer until
	// SSHChannel.Unthrottle reports the buffer drained.
	Send(isStderr bool, data []byte) int

	// SendEOF propagates the peer's EOF to the local consumer. Receiving EOF
	// does not by itself imply the channel should close; see WantClose.
	SendEOF()

	// SetInputWanted tells the channel whether to keep producing outbound
	// data. The Multiplexer turns it off when the peer's window credit is
	// exhausted and back on when a window-adjust arrives.
	SetInputWanted(wanted bool)

	// LogCloseMsg returns a human-readable explanation of the close, or ""
	// if there is nothing interesting to say.
	LogCloseMsg() string

	// WantClose is the closing-policy predicate, consulted by the
	// Multiplexer after every EOF or close transition. The default policy
	// answers true only once local EOF has been sent AND remote EOF has been
	// received; ZombieChannel answers true unconditionally.
	WantClose(sentLocalEOF, rcvdRemoteEOF bool) bool

	// RcvdExitStatus handles an inbound "exit-status" request, returning
	// whether the request was accepted. The default policy refuses.
	RcvdExitStatus(status int) bool

	// RcvdExitSignal handles an inbound "exit-signal" request in its
	// standard named form. The default policy refuses.
	RcvdExitSignal(signame string, coreDumped bool, msg string) bool

	// RcvdExitSignalNumeric handles the nonstandard numeric "exit-signal"
	// variant. The default policy refuses.
	RcvdExitSignalNumeric(signum int, coreDumped bool, msg string) bool

	// RequestResponse is called when a want-reply request this Channel
	// issued through its handle resolves. Replies arrive strictly in the
	// order the requests were issued. A Channel that never issues want-reply
	// requests inherits a default that treats any call as a contract
	// violation.
	RequestResponse(success bool)
}

// DataConsumer is the local consumer of a channel's inbound stream: the
// terminal for a session, the local socket plumbing for a forwarded
// connection. Implementations must not block. ConsumeData returns how many
// bytes were accepted; bytes it could not accept immediately are still the
// consumer's to buffer (they are never redelivered), and the consumer
// reports draining them through the channel's SSHChannel.Unthrottle so the
// peer can be granted more window.
type DataConsumer interface {
	// ConsumeData accepts inbound bytes and returns how many it took.
	ConsumeData(isStderr bool, data []byte) int

	// ConsumeEOF signals that the peer will send no more data.
	ConsumeEOF()
}

// InputGate is optionally implemented by a DataConsumer that also produces
// the channel's outbound data (StreamRelay does). Channel variants built on
// a DataConsumer forward their SetInputWanted callback through it, so the
// multiplexer's backlog throttle actually pauses the producer.
type InputGate interface {
	SetInputWanted(wanted bool)
}
