package chanmux

import (
	"fmt"

	gossh "golang.org/x/crypto/ssh"
)

// SSHChannel is the multiplexer's handle to one multiplexed stream,
// identifying the connection layer's end of the channel for the Channel
// implementation to talk back to. All methods execute synchronously on the
// I/O goroutine and never block; backpressure is carried in return values.
type SSHChannel interface {
	// Write emits outbound data. Bytes beyond the peer's current window
	// credit are buffered in the handle and flushed as window-adjust
	// messages arrive. The return value is the number of bytes still
	// buffered: a backpressure hint the producer should use to throttle
	// itself (the handle also signals Channel.SetInputWanted(false) while a
	// backlog exists).
	Write(data []byte) int

	// WriteEOF emits EOF after any buffered data drains. No data may be
	// written after WriteEOF.
	WriteEOF()

	// UncleanClose aborts the channel abnormally, discarding buffered
	// output and skipping the graceful EOF exchange; a close is emitted
	// immediately and err is surfaced alongside LogCloseMsg when the pair
	// is destroyed.
	UncleanClose(err error)

	// Unthrottle informs the multiplexer that drainedBytes of locally
	// buffered inbound data have been consumed, permitting more
	// receive-window credit to be granted to the peer.
	Unthrottle(drainedBytes int)

	// GetConf returns the current read-only configuration bundle.
	GetConf() *Conf

	// HintChannelIsSimple marks the channel as the transport's only real
	// consumer, raising the receive-window ceiling so flow control never
	// constrains it.
	HintChannelIsSimple()

	// WindowOverrideRemoved reverts the "simple" window policy; future
	// re-grants use the standard ceiling again (credit already granted on
	// the wire cannot be revoked).
	WindowOverrideRemoved()

	// X11SharingHandover transfers the local end of an X11 channel to a
	// cooperating sharing collaborator. The handler may return a
	// replacement Channel to receive subsequent inbound events; nil
	// installs a zombie so the wire channel still closes cleanly. The
	// previous Channel is freed.
	X11SharingHandover(h X11SharingHandler, peerAddr string, peerPort int,
		endian byte, protoMajor, protoMinor int, initialData []byte)

	// Outgoing channel requests. Each wantReply=true request enqueues a
	// pending record; the reply arrives later via Channel.RequestResponse,
	// strictly FIFO per channel. The bool-returning requests report
	// synchronously (with false) that the negotiated protocol version
	// cannot express the request at all.

	RequestX11Forwarding(wantReply bool, authProto, authData string, screen int, oneshot bool)
	RequestAgentForwarding(wantReply bool)
	RequestPTY(wantReply bool, conf *Conf, width, height int)
	SendEnvVar(wantReply bool, name, value string) bool
	StartShell(wantReply bool)
	StartCommand(wantReply bool, command string)
	StartSubsystem(wantReply bool, subsystem string) bool
	SendSerialBreak(wantReply bool, lengthMs int) bool
	SendSignal(wantReply bool, signame string) bool
	SendTerminalSizeChange(width, height int)
}

// X11SharingHandler is the collaborator that takes over X11 channels on
// behalf of a downstream connection-sharing client. The details of what it
// does with the channel are its own concern.
type X11SharingHandler interface {
	// AcceptX11Channel receives the handover parameters and returns the
	// replacement Channel for the stream, or nil to install a zombie.
	AcceptX11Channel(peerAddr string, peerPort int, endian byte,
		protoMajor, protoMinor int, initialData []byte) Channel
}

// HandleSetter is implemented by Channel variants that want their SSHChannel
// handle delivered as soon as the pair is registered, before any wire event
// can arrive for it.
type HandleSetter interface {
	SetHandle(sc SSHChannel)
}

// pendingRequest is one outstanding want-reply request awaiting its
// success/failure reply. The queue order is the issue order; the protocol
// guarantees replies resolve in the same order.
type pendingRequest struct {
	name string
}

// muxChannel is the concrete SSHChannel: one entry in the Multiplexer's
// channel table, holding the channel ids, the window accounting for both
// directions, the outbound backlog, and the pending-request FIFO. It and
// its paired Channel are created and destroyed together by the Multiplexer.
//
// muxChannel has no locking: per the subsystem's concurrency model it is
// only ever touched from the transport's I/O goroutine.
type muxChannel struct {
	mux *Multiplexer
	log Logger
	ep  Channel

	localID  uint32
	remoteID uint32
	chanType string

	// halfOpen is true between sending our open and receiving the peer's
	// confirmation or failure.
	halfOpen bool

	// Receive direction: credit we granted the peer.
	initialWindow uint32
	windowCeil    uint32
	localCredit   uint32
	pendingGrant  uint32
	bufferedIn    uint32

	// Send direction: credit the peer granted us.
	remoteCredit uint32
	maxPacket    uint32
	outBuf       []byte
	eofPending   bool
	inputWanted  bool

	pending []pendingRequest

	sentEOF   bool
	rcvdEOF   bool
	sentClose bool
	rcvdClose bool
	closeErr  error

	// closeDeferred records a close decided while halfOpen. remoteID is
	// still zero then; a close sent now would hit whatever channel the peer
	// numbered 0, so it waits for the open to resolve.
	closeDeferred bool

	bytesSent uint64
	bytesRcvd uint64

	simple bool
}

var _ SSHChannel = (*muxChannel)(nil)

func newMuxChannel(m *Multiplexer, localID uint32, chanType string, ep Channel) *muxChannel {
	win := ep.InitialWindowSize()
	if win == 0 {
		win = DefaultInitialWindowSize
	}
	c := &muxChannel{
		mux:           m,
		ep:            ep,
		localID:       localID,
		chanType:      chanType,
		initialWindow: win,
		windowCeil:    win,
		localCredit:   win,
		maxPacket:     MaxPacketSize,
		inputWanted:   true,
	}
	c.log = m.ForkLogStr(c.String())
	return c
}

func (c *muxChannel) String() string {
	return fmt.Sprintf("Chan#%d(%s)", c.localID, c.chanType)
}

// ---------------------------------------------------------------------------
// Outbound data and close paths

// Write sends what the peer's window allows and buffers the rest.
func (c *muxChannel) Write(data []byte) int {
	if c.sentEOF || c.sentClose || c.eofPending || c.closeDeferred {
		c.log.WLogf("Write of %d bytes after local EOF/close, discarding", len(data))
		return len(c.outBuf)
	}
	if len(c.outBuf) == 0 {
		data = data[c.sendDirect(data):]
	}
	if len(data) > 0 {
		c.outBuf = append(c.outBuf, data...)
	}
	if len(c.outBuf) > 0 && c.inputWanted {
		c.inputWanted = false
		c.ep.SetInputWanted(false)
	}
	return len(c.outBuf)
}

// sendDirect emits as much of data as remote credit allows, in maxPacket
// chunks, and returns the number of bytes sent.
func (c *muxChannel) sendDirect(data []byte) int {
	sent := 0
	for len(data) > 0 && c.remoteCredit > 0 && !c.halfOpen {
		n := len(data)
		if uint32(n) > c.remoteCredit {
			n = int(c.remoteCredit)
		}
		if uint32(n) > c.maxPacket {
			n = int(c.maxPacket)
		}
		chunk := append([]byte(nil), data[:n]...)
		c.mux.send(&ChannelDataMsg{
			PeersID: c.remoteID,
			Length:  uint32(n),
			Rest:    chunk,
		})
		c.remoteCredit -= uint32(n)
		c.bytesSent += uint64(n)
		data = data[n:]
		sent += n
	}
	return sent
}

// flushOutput drains the backlog after a window-adjust, then releases any
// pending EOF and re-enables the producer.
func (c *muxChannel) flushOutput() {
	if len(c.outBuf) > 0 {
		n := c.sendDirect(c.outBuf)
		c.outBuf = c.outBuf[n:]
		if len(c.outBuf) == 0 {
			c.outBuf = nil
		}
	}
	if len(c.outBuf) != 0 {
		return
	}
	if c.eofPending && !c.sentEOF {
		c.eofPending = false
		c.emitEOF()
	}
	if !c.inputWanted && !c.sentEOF && !c.sentClose {
		c.inputWanted = true
		c.ep.SetInputWanted(true)
	}
}

func (c *muxChannel) emitEOF() {
	c.mux.send(&ChannelEOFMsg{PeersID: c.remoteID})
	c.sentEOF = true
	c.mux.maybeClose(c)
}

// WriteEOF emits EOF once buffered output has drained.
func (c *muxChannel) WriteEOF() {
	if c.sentEOF || c.sentClose || c.eofPending || c.closeDeferred {
		return
	}
	if c.halfOpen || len(c.outBuf) > 0 {
		c.eofPending = true
		return
	}
	c.emitEOF()
}

// UncleanClose aborts immediately, discarding the backlog and skipping the
// EOF exchange.
func (c *muxChannel) UncleanClose(err error) {
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.outBuf = nil
	c.eofPending = false
	if c.halfOpen {
		c.log.DLogf("Unclean close while half-open, deferring: %v", err)
		c.closeDeferred = true
		return
	}
	if !c.sentClose {
		c.log.DLogf("Unclean close: %v", err)
		c.mux.send(&ChannelCloseMsg{PeersID: c.remoteID})
		c.sentClose = true
	}
	if c.rcvdClose {
		c.mux.destroyPair(c)
	}
}

// ---------------------------------------------------------------------------
// Inbound data and receive-window accounting

// handleData delivers inbound bytes to the Channel and accounts for what it
// did not accept. Returns an error on a peer window overrun.
func (c *muxChannel) handleData(isStderr bool, data []byte) error {
	n := uint32(len(data))
	if n > c.localCredit {
		return fmt.Errorf("%s: peer overran receive window (%d bytes, %d credit)",
			c, n, c.localCredit)
	}
	c.localCredit -= n
	c.bytesRcvd += uint64(n)
	accepted := c.ep.Send(isStderr, data)
	if accepted < 0 {
		accepted = 0
	} else if accepted > len(data) {
		accepted = len(data)
	}
	c.pendingGrant += uint32(accepted)
	c.bufferedIn += n - uint32(accepted)
	c.maybeGrantWindow()
	return nil
}

// handleExtendedData routes stderr data like primary data; unknown extended
// stream codes are discarded but still consume and regenerate window.
func (c *muxChannel) handleExtendedData(code uint32, data []byte) error {
	if code == ExtendedDataStderr {
		return c.handleData(true, data)
	}
	c.log.WLogf("Discarding %d bytes of unknown extended data type %d", len(data), code)
	n := uint32(len(data))
	if n > c.localCredit {
		return fmt.Errorf("%s: peer overran receive window (%d bytes, %d credit)",
			c, n, c.localCredit)
	}
	c.localCredit -= n
	c.bytesRcvd += uint64(n)
	c.pendingGrant += n
	c.maybeGrantWindow()
	return nil
}

// Unthrottle credits drained bytes back toward the next window grant.
func (c *muxChannel) Unthrottle(drainedBytes int) {
	if drainedBytes <= 0 {
		return
	}
	d := uint32(drainedBytes)
	if d > c.bufferedIn {
		d = c.bufferedIn
	}
	c.bufferedIn -= d
	c.pendingGrant += d
	c.maybeGrantWindow()
}

// maybeGrantWindow re-grants accepted-and-drained credit to the peer once it
// reaches half the window ceiling, unless local buffering is still holding
// data (the throttle) or the stream is winding down.
func (c *muxChannel) maybeGrantWindow() {
	if c.sentClose || c.rcvdClose || c.rcvdEOF {
		return
	}
	if c.bufferedIn > 0 {
		return
	}
	if c.pendingGrant < c.windowCeil/2 {
		return
	}
	c.mux.send(&WindowAdjustMsg{PeersID: c.remoteID, AdditionalBytes: c.pendingGrant})
	c.localCredit += c.pendingGrant
	c.pendingGrant = 0
}

// HintChannelIsSimple raises the window ceiling and grants the difference at
// once, so a lone bulk stream never stalls on flow control.
func (c *muxChannel) HintChannelIsSimple() {
	if c.simple {
		return
	}
	c.simple = true
	if SimpleWindowSize > c.windowCeil {
		extra := uint32(SimpleWindowSize) - c.windowCeil
		c.windowCeil = SimpleWindowSize
		c.mux.send(&WindowAdjustMsg{PeersID: c.remoteID, AdditionalBytes: extra})
		c.localCredit += extra
		c.log.DLogf("Simple-channel window override applied (+%d)", extra)
	}
}

// WindowOverrideRemoved restores the standard ceiling for future grants.
func (c *muxChannel) WindowOverrideRemoved() {
	if !c.simple {
		return
	}
	c.simple = false
	c.windowCeil = c.initialWindow
	c.log.DLogf("Simple-channel window override removed")
}

// ---------------------------------------------------------------------------
// Requests

// GetConf returns the multiplexer's current configuration snapshot.
func (c *muxChannel) GetConf() *Conf {
	return c.mux.Conf()
}

// sendRequest emits one outgoing channel request, enqueuing a pending
// record when a reply is expected.
func (c *muxChannel) sendRequest(name string, wantReply bool, payload []byte) {
	if c.halfOpen || c.sentClose {
		c.log.ELogf("Request %q issued on a channel that is not open, dropping", name)
		return
	}
	c.mux.send(&ChannelRequestMsg{
		PeersID:             c.remoteID,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	})
	if wantReply {
		c.pending = append(c.pending, pendingRequest{name: name})
	}
}

// handleReply resolves the oldest outstanding want-reply request. A reply
// with nothing outstanding is a contract violation fatal to the channel.
func (c *muxChannel) handleReply(success bool) error {
	if len(c.pending) == 0 {
		err := fmt.Errorf("%s: request reply received with no outstanding request", c)
		c.log.ELogf("%v", err)
		c.UncleanClose(err)
		return err
	}
	pr := c.pending[0]
	c.pending = c.pending[1:]
	c.log.DLogf("Request %q resolved, success=%v", pr.name, success)
	c.ep.RequestResponse(success)
	return nil
}

// RequestX11Forwarding issues "x11-req".
func (c *muxChannel) RequestX11Forwarding(wantReply bool, authProto, authData string, screen int, oneshot bool) {
	c.sendRequest("x11-req", wantReply, gossh.Marshal(&X11ReqPayload{
		SingleConnection: oneshot,
		AuthProtocol:     authProto,
		AuthCookie:       authData,
		ScreenNumber:     uint32(screen),
	}))
}

// RequestAgentForwarding issues the OpenSSH agent forwarding request.
func (c *muxChannel) RequestAgentForwarding(wantReply bool) {
	c.sendRequest("auth-agent-req@openssh.com", wantReply, nil)
}

// RequestPTY issues "pty-req" with the terminal type and modes from conf.
func (c *muxChannel) RequestPTY(wantReply bool, conf *Conf, width, height int) {
	if conf == nil {
		conf = c.GetConf()
	}
	c.sendRequest("pty-req", wantReply, gossh.Marshal(&PtyReqPayload{
		TermEnv: conf.TermType,
		Width:   uint32(width),
		Height:  uint32(height),
		Modes:   conf.TermModes,
	}))
}

// SendEnvVar issues "env"; SSH-1 has no way to express it.
func (c *muxChannel) SendEnvVar(wantReply bool, name, value string) bool {
	if c.GetConf().ProtoVersion < 2 {
		return false
	}
	c.sendRequest("env", wantReply, gossh.Marshal(&EnvPayload{Name: name, Value: value}))
	return true
}

// StartShell issues "shell".
func (c *muxChannel) StartShell(wantReply bool) {
	c.sendRequest("shell", wantReply, nil)
}

// StartCommand issues "exec".
func (c *muxChannel) StartCommand(wantReply bool, command string) {
	c.sendRequest("exec", wantReply, gossh.Marshal(&ExecPayload{Command: command}))
}

// StartSubsystem issues "subsystem"; SSH-1 has no subsystems.
func (c *muxChannel) StartSubsystem(wantReply bool, subsystem string) bool {
	if c.GetConf().ProtoVersion < 2 {
		return false
	}
	c.sendRequest("subsystem", wantReply, gossh.Marshal(&SubsystemPayload{Subsystem: subsystem}))
	return true
}

// SendSerialBreak issues "break" (RFC 4335); lengthMs 0 requests the
// server's default break length. SSH-1 cannot express it.
func (c *muxChannel) SendSerialBreak(wantReply bool, lengthMs int) bool {
	if c.GetConf().ProtoVersion < 2 {
		return false
	}
	c.sendRequest("break", wantReply, gossh.Marshal(&BreakPayload{BreakLengthMs: uint32(lengthMs)}))
	return true
}

// SendSignal issues "signal" with an un-prefixed signal name. SSH-1 cannot
// express it.
func (c *muxChannel) SendSignal(wantReply bool, signame string) bool {
	if c.GetConf().ProtoVersion < 2 {
		return false
	}
	c.sendRequest("signal", wantReply, gossh.Marshal(&SignalPayload{Signal: signame}))
	return true
}

// SendTerminalSizeChange issues "window-change"; RFC 4254 says it should
// never carry want-reply.
func (c *muxChannel) SendTerminalSizeChange(width, height int) {
	c.sendRequest("window-change", false, gossh.Marshal(&WindowChangePayload{
		WidthColumns: uint32(width),
		HeightRows:   uint32(height),
	}))
}

// X11SharingHandover swaps the local end of the channel over to the sharing
// collaborator, freeing the previous Channel.
func (c *muxChannel) X11SharingHandover(h X11SharingHandler, peerAddr string, peerPort int,
	endian byte, protoMajor, protoMinor int, initialData []byte) {
	c.log.DLogf("X11 sharing handover to %s:%d (X%d.%d)", peerAddr, peerPort, protoMajor, protoMinor)
	repl := h.AcceptX11Channel(peerAddr, peerPort, endian, protoMajor, protoMinor, initialData)
	if repl == nil {
		repl = NewZombieChannel(c.log)
	}
	old := c.ep
	c.ep = repl
	old.Free()
	c.mux.maybeClose(c)
}
