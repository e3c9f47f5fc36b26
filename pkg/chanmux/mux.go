package chanmux

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	gossh "golang.org/x/crypto/ssh"
)

// MessageSender is the outbound half of the transport collaborator: it
// accepts decoded channel messages (the structs in messages.go) for framing
// and transmission. Implementations must not block the I/O goroutine.
type MessageSender interface {
	SendMessage(msg interface{}) error
}

// OpenHandler decides what to do with peer-initiated channel opens. It
// returns the Channel that will serve as the local end, or an error to
// refuse the open. Returning an *OpenError controls the wire rejection
// reason; any other error rejects with Prohibited.
type OpenHandler interface {
	NewInboundChannel(chanType string, extraData []byte) (Channel, error)
}

// OpenError is an OpenHandler refusal with an explicit wire rejection
// reason.
type OpenError struct {
	Reason  RejectionReason
	Message string
}

func (e *OpenError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return e.Reason.String()
}

// Multiplexer owns the table mapping channel ids to (Channel, SSHChannel)
// pairs, routes inbound wire events to the right pair, allocates ids, and
// drives close sequencing. It is the channel table's only mutator.
//
// All routing happens synchronously inside HandleMessage, which the
// transport must call from a single I/O goroutine; no Multiplexer method
// blocks. Shutdown (via the embedded AsyncHelper) must only be started once
// the transport has stopped delivering messages.
type Multiplexer struct {
	*AsyncHelper

	sender MessageSender
	conf   atomic.Value // *Conf snapshot

	table       map[uint32]*muxChannel
	nextID      uint32
	openHandler OpenHandler

	stats   ChanStats
	strname string
}

// lastMuxID is the last allocated Multiplexer id, for logging purposes.
var lastMuxID int32

// NewMultiplexer creates a Multiplexer speaking through sender, with conf as
// the initial configuration snapshot (nil for defaults).
func NewMultiplexer(log Logger, sender MessageSender, conf *Conf) *Multiplexer {
	if conf == nil {
		conf = DefaultConf()
	}
	m := &Multiplexer{
		sender:  sender,
		table:   make(map[uint32]*muxChannel),
		strname: fmt.Sprintf("Mux#%d", atomic.AddInt32(&lastMuxID, 1)),
	}
	m.conf.Store(conf.Clone())
	m.AsyncHelper = asyncobj.NewHelper(log.ForkLogStr(m.strname), m)
	m.SetIsActivated()
	return m
}

func (m *Multiplexer) String() string {
	return m.strname
}

// Conf returns the current read-only configuration snapshot.
func (m *Multiplexer) Conf() *Conf {
	return m.conf.Load().(*Conf)
}

// SetConf publishes a new configuration snapshot. The bundle is cloned, so
// the caller may keep mutating its own copy.
func (m *Multiplexer) SetConf(conf *Conf) {
	m.conf.Store(conf.Clone())
}

// SetOpenHandler installs the handler for peer-initiated opens. With no
// handler, all inbound opens are refused as prohibited.
func (m *Multiplexer) SetOpenHandler(h OpenHandler) {
	m.openHandler = h
}

// NumChannels returns the number of live channel pairs.
func (m *Multiplexer) NumChannels() int {
	return len(m.table)
}

// send hands one outbound message to the transport, logging delivery
// failures (the transport owns its own error recovery).
func (m *Multiplexer) send(msg interface{}) {
	if err := m.sender.SendMessage(msg); err != nil {
		m.ELogf("Transport send of %T failed: %v", msg, err)
	}
}

// OpenChannel registers ep as the local end of a new locally-initiated
// channel and emits the open request. The returned SSHChannel is live
// immediately, but data and requests only make sense once
// ep.OpenConfirmation fires; on open failure the pair is unregistered and
// the caller (not the Multiplexer) must Free ep.
func (m *Multiplexer) OpenChannel(chanType string, ep Channel, extraData []byte) (SSHChannel, error) {
	if ep == nil {
		return nil, fmt.Errorf("%s: OpenChannel: nil Channel", m.strname)
	}
	if err := m.DeferShutdown(); err != nil {
		return nil, err
	}
	defer m.UndeferShutdown()

	id := m.nextID
	m.nextID++
	c := newMuxChannel(m, id, chanType, ep)
	c.halfOpen = true
	m.table[id] = c
	m.stats.New()
	m.stats.Open()
	m.DLogf("%s %s opening (window %d)", m.stats.String(), c, c.initialWindow)

	m.send(&ChannelOpenMsg{
		ChanType:         chanType,
		PeersID:          id,
		PeersWindow:      c.initialWindow,
		MaxPacketSize:    MaxPacketSize,
		TypeSpecificData: extraData,
	})

	if hs, ok := ep.(HandleSetter); ok {
		hs.SetHandle(c)
	}
	return c, nil
}

// ZombifyChannel replaces the local end of a live channel with a
// ZombieChannel, freeing the old Channel. Used when the local consumer dies
// while the wire channel still needs its formal close handshake; the zombie
// hastens teardown.
func (m *Multiplexer) ZombifyChannel(sc SSHChannel) {
	c, ok := sc.(*muxChannel)
	if !ok {
		m.ELogf("ZombifyChannel: foreign SSHChannel %T", sc)
		return
	}
	m.DLogf("%s zombified", c)
	old := c.ep
	c.ep = NewZombieChannel(c.log)
	old.Free()
	m.maybeClose(c)
}

// HandleMessage routes one decoded inbound wire event to the owning channel
// pair. It must be called from the transport's I/O goroutine only. A non-nil
// error means the peer violated the channel protocol and the connection
// should be torn down by the transport.
func (m *Multiplexer) HandleMessage(msg interface{}) error {
	switch msg := msg.(type) {
	case *ChannelOpenMsg:
		return m.handleOpen(msg)
	case *ChannelOpenConfirmMsg:
		return m.handleOpenConfirm(msg)
	case *ChannelOpenFailureMsg:
		return m.handleOpenFailure(msg)
	case *ChannelDataMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		return c.handleData(false, msg.Rest)
	case *ChannelExtendedDataMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		return c.handleExtendedData(msg.DataTypeCode, msg.Rest)
	case *ChannelEOFMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		c.rcvdEOF = true
		c.ep.SendEOF()
		m.maybeClose(c)
		return nil
	case *ChannelCloseMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		c.rcvdClose = true
		if !c.sentClose {
			m.send(&ChannelCloseMsg{PeersID: c.remoteID})
			c.sentClose = true
		}
		m.destroyPair(c)
		return nil
	case *WindowAdjustMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		c.remoteCredit += msg.AdditionalBytes
		c.flushOutput()
		return nil
	case *ChannelRequestMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		m.handleChannelRequest(c, msg)
		return nil
	case *ChannelRequestSuccessMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		return c.handleReply(true)
	case *ChannelRequestFailureMsg:
		c, err := m.lookup(msg.PeersID)
		if err != nil {
			return err
		}
		return c.handleReply(false)
	default:
		return m.DLogErrorf("Unhandled channel message type %T", msg)
	}
}

// lookup resolves an inbound recipient channel id to its table entry.
func (m *Multiplexer) lookup(id uint32) (*muxChannel, error) {
	c, ok := m.table[id]
	if !ok {
		return nil, m.DLogErrorf("Message for unknown channel id %d", id)
	}
	return c, nil
}

func (m *Multiplexer) handleOpen(msg *ChannelOpenMsg) error {
	h := m.openHandler
	if h == nil {
		m.DLogf("Refusing inbound open of %q channel: no open handler", msg.ChanType)
		m.send(&ChannelOpenFailureMsg{
			PeersID:  msg.PeersID,
			Reason:   Prohibited,
			Message:  "channel opens not permitted",
			Language: "en",
		})
		return nil
	}
	ep, err := h.NewInboundChannel(msg.ChanType, msg.TypeSpecificData)
	if err != nil {
		reason := Prohibited
		text := err.Error()
		var oe *OpenError
		if errors.As(err, &oe) {
			reason = oe.Reason
			text = oe.Message
		}
		m.DLogf("Refusing inbound open of %q channel: %v", msg.ChanType, err)
		m.send(&ChannelOpenFailureMsg{
			PeersID:  msg.PeersID,
			Reason:   reason,
			Message:  text,
			Language: "en",
		})
		return nil
	}

	id := m.nextID
	m.nextID++
	c := newMuxChannel(m, id, msg.ChanType, ep)
	c.remoteID = msg.PeersID
	c.remoteCredit = msg.PeersWindow
	c.maxPacket = clampMaxPacket(msg.MaxPacketSize)
	m.table[id] = c
	m.stats.New()
	m.stats.Open()
	m.DLogf("%s %s opened by peer (their window %d)", m.stats.String(), c, msg.PeersWindow)

	m.send(&ChannelOpenConfirmMsg{
		PeersID:       msg.PeersID,
		MyID:          id,
		MyWindow:      c.initialWindow,
		MaxPacketSize: MaxPacketSize,
	})
	if hs, ok := ep.(HandleSetter); ok {
		hs.SetHandle(c)
	}
	return nil
}

func (m *Multiplexer) handleOpenConfirm(msg *ChannelOpenConfirmMsg) error {
	c, err := m.lookup(msg.PeersID)
	if err != nil {
		return err
	}
	if !c.halfOpen {
		return m.DLogErrorf("%s: open confirmation for a channel that is already open", c)
	}
	c.halfOpen = false
	c.remoteID = msg.MyID
	c.remoteCredit = msg.MyWindow
	c.maxPacket = clampMaxPacket(msg.MaxPacketSize)
	if c.closeDeferred {
		// The local side already abandoned this channel (zombified or
		// unclean-closed before the open resolved). Emit the deferred close
		// now that the remote id is known; the endpoint never hears about
		// the confirmation.
		c.log.DLogf("Open confirmed for an abandoned channel, closing")
		m.send(&ChannelCloseMsg{PeersID: c.remoteID})
		c.sentClose = true
		c.closeDeferred = false
		return nil
	}
	c.log.DLogf("Open confirmed (their id %d, their window %d)", msg.MyID, msg.MyWindow)
	c.ep.OpenConfirmation()
	c.flushOutput()
	return nil
}

// handleOpenFailure unregisters the pair but leaves the Channel alive: the
// entity that created it performs the actual release, never the failure
// path itself.
func (m *Multiplexer) handleOpenFailure(msg *ChannelOpenFailureMsg) error {
	c, err := m.lookup(msg.PeersID)
	if err != nil {
		return err
	}
	if !c.halfOpen {
		return m.DLogErrorf("%s: open failure for a channel that is already open", c)
	}
	if c.closeDeferred {
		// The local side already abandoned this channel; there is no
		// creator waiting to hear the refusal, and no wire handshake left.
		c.log.DLogf("Open refused by peer for an abandoned channel")
		m.destroyPair(c)
		return nil
	}
	text := msg.Reason.String()
	if msg.Message != "" {
		text = text + ": " + msg.Message
	}
	c.log.ILogf("Open refused by peer: %s", text)
	delete(m.table, c.localID)
	m.stats.Close()
	c.ep.OpenFailed(text)
	return nil
}

// handleChannelRequest dispatches an inbound typed request and sends the
// reply the peer asked for. Anything the Channel does not accept (which is
// everything, under the default policies) is refused.
func (m *Multiplexer) handleChannelRequest(c *muxChannel, msg *ChannelRequestMsg) {
	ok := false
	switch msg.Request {
	case "exit-status":
		var p ExitStatusPayload
		if err := gossh.Unmarshal(msg.RequestSpecificData, &p); err != nil {
			c.log.WLogf("Malformed exit-status payload: %v", err)
		} else {
			ok = c.ep.RcvdExitStatus(int(p.ExitStatus))
		}
	case "exit-signal":
		ok = m.dispatchExitSignal(c, msg.RequestSpecificData)
	default:
		c.log.DLogf("Refusing channel request %q", msg.Request)
	}
	if msg.WantReply {
		if ok {
			m.send(&ChannelRequestSuccessMsg{PeersID: c.remoteID})
		} else {
			m.send(&ChannelRequestFailureMsg{PeersID: c.remoteID})
		}
	}
}

// dispatchExitSignal distinguishes the standard named exit-signal payload
// from the nonstandard numeric variant some servers send. A string-typed
// first field whose bytes look like a signal name is taken as the standard
// form; otherwise the numeric form is tried.
func (m *Multiplexer) dispatchExitSignal(c *muxChannel, payload []byte) bool {
	var named ExitSignalPayload
	if err := gossh.Unmarshal(payload, &named); err == nil && looksLikeSignalName(named.SignalName) {
		return c.ep.RcvdExitSignal(named.SignalName, named.CoreDumped, named.ErrorMessage)
	}
	var numeric ExitSignalNumericPayload
	if err := gossh.Unmarshal(payload, &numeric); err == nil {
		return c.ep.RcvdExitSignalNumeric(int(numeric.SignalNumber), numeric.CoreDumped, numeric.ErrorMessage)
	}
	c.log.WLogf("Malformed exit-signal payload (%d bytes)", len(payload))
	return false
}

// looksLikeSignalName reports whether s is plausible as an RFC 4254 signal
// name (un-prefixed, uppercase alphanumerics, possibly an @-qualified local
// extension).
func looksLikeSignalName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '@' || ch == '.' || ch == '-' {
			continue
		}
		return false
	}
	return true
}

// maybeClose consults the Channel's closing policy after an EOF or close
// transition, emitting our close when the policy is satisfied and
// destroying the pair once close has gone both ways.
func (m *Multiplexer) maybeClose(c *muxChannel) {
	if c.halfOpen {
		if c.ep.WantClose(c.sentEOF, c.rcvdEOF) {
			c.closeDeferred = true
		}
		return
	}
	if !c.sentClose && (c.closeDeferred || c.ep.WantClose(c.sentEOF, c.rcvdEOF)) {
		m.send(&ChannelCloseMsg{PeersID: c.remoteID})
		c.sentClose = true
	}
	if c.sentClose && c.rcvdClose {
		m.destroyPair(c)
	}
}

// destroyPair releases the Channel and its handle together and logs the
// close with byte totals.
func (m *Multiplexer) destroyPair(c *muxChannel) {
	if _, live := m.table[c.localID]; !live {
		return
	}
	delete(m.table, c.localID)
	m.stats.Close()

	detail := c.ep.LogCloseMsg()
	if c.closeErr != nil {
		if detail != "" {
			detail = detail + "; "
		}
		detail = detail + c.closeErr.Error()
	}
	if detail != "" {
		detail = ": " + detail
	}
	m.DLogf("%s %s closed (sent %s, received %s)%s", m.stats.String(), c,
		sizestr.ToString(int64(c.bytesSent)), sizestr.ToString(int64(c.bytesRcvd)), detail)

	c.ep.Free()
}

// HandleOnceShutdown releases every live pair. The transport must already
// have stopped calling HandleMessage; there is no wire left to negotiate
// graceful closes on, so endpoints are freed directly.
func (m *Multiplexer) HandleOnceShutdown(completionErr error) error {
	n := len(m.table)
	for id, c := range m.table {
		delete(m.table, id)
		m.stats.Close()
		c.ep.Free()
	}
	if n > 0 {
		m.DLogf("Released %d live channel(s) at shutdown", n)
	}
	return completionErr
}

// clampMaxPacket bounds a peer-advertised maximum packet size to something
// sane for our chunking.
func clampMaxPacket(n uint32) uint32 {
	if n == 0 || n > MaxPacketSize {
		return MaxPacketSize
	}
	return n
}
