package chanmux

import (
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

// TestRequestReplyOrder verifies strict per-channel FIFO correlation of
// want-reply requests, with two channels interleaved.
func TestRequestReplyOrder(t *testing.T) {
	lg := newTestLogger(t, "TestRequestReplyOrder")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)

	ep0 := newTestEndpoint(0)
	sc0 := openConfirmed(t, m, sender, ep0, 100, 4096, MaxPacketSize)
	ep1 := newTestEndpoint(0)
	sc1 := openConfirmed(t, m, sender, ep1, 200, 4096, MaxPacketSize)

	sc0.RequestPTY(true, nil, 80, 24)
	sc0.StartShell(true)
	sc1.RequestAgentForwarding(true)

	msgs := sender.take()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 request messages, got %d", len(msgs))
	}
	if r := msgs[0].(*ChannelRequestMsg); r.Request != "pty-req" || r.PeersID != 100 {
		t.Errorf("request 0 = %q on %d, want pty-req on 100", r.Request, r.PeersID)
	}
	if r := msgs[1].(*ChannelRequestMsg); r.Request != "shell" || r.PeersID != 100 {
		t.Errorf("request 1 = %q on %d, want shell on 100", r.Request, r.PeersID)
	}
	if r := msgs[2].(*ChannelRequestMsg); r.Request != "auth-agent-req@openssh.com" || r.PeersID != 200 {
		t.Errorf("request 2 = %q on %d, want agent request on 200", r.Request, r.PeersID)
	}

	// Replies interleave across channels but resolve FIFO within each.
	mustHandle(t, m, &ChannelRequestFailureMsg{PeersID: 1}) // chan 1: agent refused
	mustHandle(t, m, &ChannelRequestSuccessMsg{PeersID: 0}) // chan 0: pty granted
	mustHandle(t, m, &ChannelRequestFailureMsg{PeersID: 0}) // chan 0: shell refused

	if len(ep0.replies) != 2 || ep0.replies[0] != true || ep0.replies[1] != false {
		t.Errorf("chan 0 replies = %v, want [true false]", ep0.replies)
	}
	if len(ep1.replies) != 1 || ep1.replies[0] != false {
		t.Errorf("chan 1 replies = %v, want [false]", ep1.replies)
	}
}

// TestReplyWithoutRequestAbortsChannel verifies the contract-violation path:
// a reply with nothing outstanding closes the channel and surfaces an error.
func TestReplyWithoutRequestAbortsChannel(t *testing.T) {
	lg := newTestLogger(t, "TestReplyWithoutRequestAbortsChannel")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	err := m.HandleMessage(&ChannelRequestSuccessMsg{PeersID: 0})
	if err == nil {
		t.Fatalf("spurious reply was not reported as an error")
	}
	if len(ep.replies) != 0 {
		t.Errorf("spurious reply was delivered to the endpoint")
	}
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected a close after the violation, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(*ChannelCloseMsg); !ok {
		t.Errorf("expected ChannelCloseMsg, got %T", msgs[0])
	}
}

// TestRequestPayloads spot-checks the wire encoding of a few outgoing
// request payloads.
func TestRequestPayloads(t *testing.T) {
	lg := newTestLogger(t, "TestRequestPayloads")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	sc := openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	sc.RequestPTY(false, nil, 80, 24)
	sc.StartCommand(false, "uname -a")
	if !sc.SendSignal(false, "INT") {
		t.Fatalf("SendSignal refused on an SSH-2 connection")
	}
	sc.SendTerminalSizeChange(132, 43)

	msgs := sender.take()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 requests, got %d messages", len(msgs))
	}

	pty := msgs[0].(*ChannelRequestMsg)
	var ptyp PtyReqPayload
	if err := gossh.Unmarshal(pty.RequestSpecificData, &ptyp); err != nil {
		t.Fatalf("bad pty-req payload: %s", err)
	}
	if ptyp.TermEnv != "xterm" || ptyp.Width != 80 || ptyp.Height != 24 {
		t.Errorf("pty-req payload = %+v", ptyp)
	}

	exec := msgs[1].(*ChannelRequestMsg)
	var execp ExecPayload
	if err := gossh.Unmarshal(exec.RequestSpecificData, &execp); err != nil {
		t.Fatalf("bad exec payload: %s", err)
	}
	if execp.Command != "uname -a" {
		t.Errorf("exec command = %q", execp.Command)
	}

	sig := msgs[2].(*ChannelRequestMsg)
	var sigp SignalPayload
	if err := gossh.Unmarshal(sig.RequestSpecificData, &sigp); err != nil {
		t.Fatalf("bad signal payload: %s", err)
	}
	if sigp.Signal != "INT" {
		t.Errorf("signal name = %q, want INT (no SIG prefix)", sigp.Signal)
	}

	wch := msgs[3].(*ChannelRequestMsg)
	if wch.WantReply {
		t.Errorf("window-change carried want-reply")
	}
	var wchp WindowChangePayload
	if err := gossh.Unmarshal(wch.RequestSpecificData, &wchp); err != nil {
		t.Fatalf("bad window-change payload: %s", err)
	}
	if wchp.WidthColumns != 132 || wchp.HeightRows != 43 {
		t.Errorf("window-change payload = %+v", wchp)
	}
}

// TestProtocolVersionGating verifies that requests SSH-1 cannot express are
// refused synchronously instead of being sent.
func TestProtocolVersionGating(t *testing.T) {
	lg := newTestLogger(t, "TestProtocolVersionGating")
	sender := &fakeSender{}
	conf := DefaultConf()
	conf.ProtoVersion = 1
	m := NewMultiplexer(lg, sender, conf)
	ep := newTestEndpoint(0)
	sc := openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	if sc.SendEnvVar(false, "LANG", "C") {
		t.Errorf("env request allowed on SSH-1")
	}
	if sc.StartSubsystem(false, "sftp") {
		t.Errorf("subsystem request allowed on SSH-1")
	}
	if sc.SendSerialBreak(false, 0) {
		t.Errorf("break request allowed on SSH-1")
	}
	if sc.SendSignal(false, "INT") {
		t.Errorf("signal request allowed on SSH-1")
	}
	if len(sender.take()) != 0 {
		t.Errorf("inexpressible requests were sent anyway")
	}
}

// TestExitRequestDispatch verifies inbound exit-status and both exit-signal
// forms, including the want-reply verdicts for accepted and refused
// requests.
func TestExitRequestDispatch(t *testing.T) {
	lg := newTestLogger(t, "TestExitRequestDispatch")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)

	ep := newTestEndpoint(0)
	ep.acceptExits = true
	openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	mustHandle(t, m, &ChannelRequestMsg{
		PeersID:             0,
		Request:             "exit-status",
		WantReply:           true,
		RequestSpecificData: gossh.Marshal(&ExitStatusPayload{ExitStatus: 3}),
	})
	if ep.exitStatus != 3 {
		t.Errorf("exit status = %d, want 3", ep.exitStatus)
	}
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected a reply, got %d messages", len(msgs))
	}
	if r := msgs[0].(*ChannelRequestSuccessMsg); r.PeersID != 5 {
		t.Errorf("success reply addressed to %d, want 5", r.PeersID)
	}

	mustHandle(t, m, &ChannelRequestMsg{
		PeersID: 0,
		Request: "exit-signal",
		RequestSpecificData: gossh.Marshal(&ExitSignalPayload{
			SignalName: "TERM",
			CoreDumped: false,
		}),
	})
	if ep.exitSignal != "TERM" {
		t.Errorf("exit signal = %q, want TERM", ep.exitSignal)
	}

	mustHandle(t, m, &ChannelRequestMsg{
		PeersID: 0,
		Request: "exit-signal",
		RequestSpecificData: gossh.Marshal(&ExitSignalNumericPayload{
			SignalNumber: 9,
			CoreDumped:   true,
		}),
	})
	if ep.exitSignum != 9 {
		t.Errorf("numeric exit signal = %d, want 9", ep.exitSignum)
	}

	// A channel whose policy refuses exits answers failure when a reply is
	// wanted.
	ep2 := newTestEndpoint(0)
	openConfirmed(t, m, sender, ep2, 6, 4096, MaxPacketSize)
	mustHandle(t, m, &ChannelRequestMsg{
		PeersID:             1,
		Request:             "exit-status",
		WantReply:           true,
		RequestSpecificData: gossh.Marshal(&ExitStatusPayload{ExitStatus: 0}),
	})
	msgs = sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected a failure reply, got %d messages", len(msgs))
	}
	if r := msgs[0].(*ChannelRequestFailureMsg); r.PeersID != 6 {
		t.Errorf("failure reply addressed to %d, want 6", r.PeersID)
	}
}

// TestUnknownChannelRequestRefused verifies that unrecognized requests are
// refused when the peer asks for a verdict and ignored otherwise.
func TestUnknownChannelRequestRefused(t *testing.T) {
	lg := newTestLogger(t, "TestUnknownChannelRequestRefused")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	mustHandle(t, m, &ChannelRequestMsg{PeersID: 0, Request: "keepalive@example.com", WantReply: true})
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected a failure reply, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(*ChannelRequestFailureMsg); !ok {
		t.Errorf("expected ChannelRequestFailureMsg, got %T", msgs[0])
	}

	mustHandle(t, m, &ChannelRequestMsg{PeersID: 0, Request: "keepalive@example.com", WantReply: false})
	if len(sender.take()) != 0 {
		t.Errorf("reply sent for a request without want-reply")
	}
}

// fakeOpenHandler scripts the inbound-open decision.
type fakeOpenHandler struct {
	ep  Channel
	err error

	gotType  string
	gotExtra []byte
}

func (h *fakeOpenHandler) NewInboundChannel(chanType string, extraData []byte) (Channel, error) {
	h.gotType = chanType
	h.gotExtra = extraData
	if h.err != nil {
		return nil, h.err
	}
	return h.ep, nil
}

// TestInboundOpen covers peer-initiated channels: the refuse-all default,
// handler rejection with an explicit reason, and a successful accept with
// data flow.
func TestInboundOpen(t *testing.T) {
	lg := newTestLogger(t, "TestInboundOpen")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)

	// No handler: refused as prohibited.
	mustHandle(t, m, &ChannelOpenMsg{ChanType: "session", PeersID: 50, PeersWindow: 1000, MaxPacketSize: 1024})
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 refusal, got %d messages", len(msgs))
	}
	fail := msgs[0].(*ChannelOpenFailureMsg)
	if fail.PeersID != 50 || fail.Reason != Prohibited {
		t.Errorf("bad refusal: %+v", fail)
	}

	// Handler rejection with an explicit reason.
	h := &fakeOpenHandler{err: &OpenError{Reason: UnknownChannelType, Message: "no such type"}}
	m.SetOpenHandler(h)
	mustHandle(t, m, &ChannelOpenMsg{ChanType: "weird", PeersID: 51, PeersWindow: 1000, MaxPacketSize: 1024})
	msgs = sender.take()
	fail = msgs[0].(*ChannelOpenFailureMsg)
	if fail.Reason != UnknownChannelType || fail.Message != "no such type" {
		t.Errorf("bad rejection: %+v", fail)
	}
	if h.gotType != "weird" {
		t.Errorf("handler saw channel type %q", h.gotType)
	}

	// Accepted open: confirm goes out, data flows on the new local id.
	ep := newTestEndpoint(2000)
	m.SetOpenHandler(&fakeOpenHandler{ep: ep})
	mustHandle(t, m, &ChannelOpenMsg{ChanType: "x11", PeersID: 52, PeersWindow: 1000, MaxPacketSize: 1024, TypeSpecificData: []byte("origin")})
	msgs = sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 confirm, got %d messages", len(msgs))
	}
	conf := msgs[0].(*ChannelOpenConfirmMsg)
	if conf.PeersID != 52 || conf.MyID != 0 || conf.MyWindow != 2000 {
		t.Errorf("bad confirm: %+v", conf)
	}
	if ep.handle == nil {
		t.Fatalf("accepted endpoint never got its handle")
	}
	if m.NumChannels() != 1 {
		t.Errorf("%d channels live, want 1", m.NumChannels())
	}

	mustHandle(t, m, &ChannelDataMsg{PeersID: 0, Length: 2, Rest: []byte("hi")})
	if string(ep.data) != "hi" {
		t.Errorf("inbound data = %q, want %q", ep.data, "hi")
	}

	// Outbound respects the window the peer advertised in its open.
	ep.handle.Write(make([]byte, 1500))
	dmsgs := sender.take()
	var sent int
	for _, raw := range dmsgs {
		sent += int(raw.(*ChannelDataMsg).Length)
	}
	if sent != 1000 {
		t.Errorf("sent %d bytes against 1000 credit", sent)
	}
}

// TestZombifyChannel verifies endpoint replacement: the old endpoint is
// freed, inbound traffic is swallowed, and the zombie's eager-close policy
// kicks in immediately.
func TestZombifyChannel(t *testing.T) {
	lg := newTestLogger(t, "TestZombifyChannel")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	sc := openConfirmed(t, m, sender, ep, 5, 4096, MaxPacketSize)

	m.ZombifyChannel(sc)
	if ep.freed != 1 {
		t.Errorf("original endpoint freed %d times, want 1", ep.freed)
	}
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected an eager close, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(*ChannelCloseMsg); !ok {
		t.Fatalf("expected ChannelCloseMsg, got %T", msgs[0])
	}

	// Data racing the close is absorbed by the zombie.
	mustHandle(t, m, &ChannelDataMsg{PeersID: 0, Length: 3, Rest: []byte("xyz")})
	if len(ep.data) != 0 {
		t.Errorf("data after zombification reached the freed endpoint")
	}

	mustHandle(t, m, &ChannelCloseMsg{PeersID: 0})
	if m.NumChannels() != 0 {
		t.Errorf("zombified channel still registered after close")
	}
	if ep.freed != 1 {
		t.Errorf("original endpoint freed again at destroy time")
	}
}

// TestZombifyHalfOpenDefersClose verifies that abandoning a channel whose
// open is still outstanding holds the close until the peer's id is known,
// instead of misdirecting it at the peer's channel 0.
func TestZombifyHalfOpenDefersClose(t *testing.T) {
	lg := newTestLogger(t, "TestZombifyHalfOpenDefersClose")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	sc, err := m.OpenChannel("session", ep, nil)
	if err != nil {
		t.Fatalf("OpenChannel returned error: %s", err)
	}
	sender.take()

	m.ZombifyChannel(sc)
	if ep.freed != 1 {
		t.Errorf("original endpoint freed %d times, want 1", ep.freed)
	}
	if msgs := sender.take(); len(msgs) != 0 {
		t.Fatalf("%T sent while the open was still outstanding", msgs[0])
	}

	mustHandle(t, m, &ChannelOpenConfirmMsg{PeersID: 0, MyID: 6, MyWindow: 4096, MaxPacketSize: MaxPacketSize})
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected the deferred close, got %d messages", len(msgs))
	}
	cl, ok := msgs[0].(*ChannelCloseMsg)
	if !ok {
		t.Fatalf("expected ChannelCloseMsg, got %T", msgs[0])
	}
	if cl.PeersID != 6 {
		t.Errorf("close directed at peer channel %d, want 6", cl.PeersID)
	}
	if ep.confirmed {
		t.Errorf("abandoned endpoint received OpenConfirmation")
	}

	mustHandle(t, m, &ChannelCloseMsg{PeersID: 0})
	if m.NumChannels() != 0 {
		t.Errorf("abandoned channel still registered after close")
	}
}

// TestZombifyHalfOpenThenOpenFailure verifies that a refused open simply
// drops an already-abandoned channel.
func TestZombifyHalfOpenThenOpenFailure(t *testing.T) {
	lg := newTestLogger(t, "TestZombifyHalfOpenThenOpenFailure")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)
	ep := newTestEndpoint(0)
	sc, err := m.OpenChannel("session", ep, nil)
	if err != nil {
		t.Fatalf("OpenChannel returned error: %s", err)
	}
	sender.take()

	m.ZombifyChannel(sc)
	mustHandle(t, m, &ChannelOpenFailureMsg{PeersID: 0, Reason: Prohibited, Message: "nope"})
	if m.NumChannels() != 0 {
		t.Errorf("abandoned channel still registered after open failure")
	}
	if len(sender.take()) != 0 {
		t.Errorf("messages sent resolving a failed abandoned open")
	}
	if ep.openFailed != "" {
		t.Errorf("abandoned endpoint received OpenFailed(%q)", ep.openFailed)
	}
	if ep.freed != 1 {
		t.Errorf("original endpoint freed %d times, want 1", ep.freed)
	}
}

// fakeX11Handler scripts the sharing-handover decision.
type fakeX11Handler struct {
	repl     Channel
	gotAddr  string
	gotPort  int
	gotExtra []byte
}

func (h *fakeX11Handler) AcceptX11Channel(peerAddr string, peerPort int, endian byte,
	protoMajor, protoMinor int, initialData []byte) Channel {
	h.gotAddr = peerAddr
	h.gotPort = peerPort
	h.gotExtra = initialData
	return h.repl
}

// TestX11SharingHandover verifies endpoint replacement on handover: the old
// endpoint is freed and subsequent traffic reaches the replacement; a
// handler declining the channel leaves a zombie that closes eagerly.
func TestX11SharingHandover(t *testing.T) {
	lg := newTestLogger(t, "TestX11SharingHandover")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)

	ep := newTestEndpoint(0)
	sc := openConfirmed(t, m, sender, ep, 30, 4096, MaxPacketSize)

	repl := newTestEndpoint(0)
	h := &fakeX11Handler{repl: repl}
	sc.X11SharingHandover(h, "10.0.0.5", 6010, 'B', 11, 0, []byte("setup"))
	if h.gotAddr != "10.0.0.5" || h.gotPort != 6010 || string(h.gotExtra) != "setup" {
		t.Errorf("handover parameters not delivered: %+v", h)
	}
	if ep.freed != 1 {
		t.Errorf("original endpoint freed %d times, want 1", ep.freed)
	}
	if len(sender.take()) != 0 {
		t.Errorf("handover to a live replacement emitted wire traffic")
	}

	mustHandle(t, m, &ChannelDataMsg{PeersID: 0, Length: 4, Rest: []byte("xdat")})
	if string(repl.data) != "xdat" {
		t.Errorf("replacement data = %q, want %q", repl.data, "xdat")
	}

	// A declined handover installs a zombie, whose eager-close policy fires.
	ep2 := newTestEndpoint(0)
	sc2 := openConfirmed(t, m, sender, ep2, 31, 4096, MaxPacketSize)
	sc2.X11SharingHandover(&fakeX11Handler{}, "10.0.0.5", 6011, 'l', 11, 0, nil)
	if ep2.freed != 1 {
		t.Errorf("declined endpoint freed %d times, want 1", ep2.freed)
	}
	msgs := sender.take()
	if len(msgs) != 1 {
		t.Fatalf("expected an eager close from the zombie, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(*ChannelCloseMsg); !ok {
		t.Errorf("expected ChannelCloseMsg, got %T", msgs[0])
	}
}

// TestShutdownFreesChannels verifies that multiplexer shutdown releases
// every live endpoint.
func TestShutdownFreesChannels(t *testing.T) {
	lg := newTestLogger(t, "TestShutdownFreesChannels")
	sender := &fakeSender{}
	m := NewMultiplexer(lg, sender, nil)

	ep0 := newTestEndpoint(0)
	openConfirmed(t, m, sender, ep0, 100, 4096, MaxPacketSize)
	ep1 := newTestEndpoint(0)
	openConfirmed(t, m, sender, ep1, 200, 4096, MaxPacketSize)

	if err := m.Shutdown(nil); err != nil {
		t.Errorf("Shutdown returned error: %s", err)
	}
	if ep0.freed != 1 || ep1.freed != 1 {
		t.Errorf("endpoints freed %d/%d times, want 1/1", ep0.freed, ep1.freed)
	}
	if m.NumChannels() != 0 {
		t.Errorf("%d channels still registered after shutdown", m.NumChannels())
	}
}
