// Package mainchan implements the primary interactive session channel of an
// SSH client on top of chanmux: the channel that carries the user's terminal
// session (or remote command, or subsystem). It owns the negotiation
// sequence that runs when the channel opens (agent forwarding, X11
// forwarding, environment variables, PTY allocation, then shell, command or
// subsystem), tracks the results of those requests in issue order, and
// relays the session's data streams and exit notification to a Frontend.
//
// A MainChan is driven entirely from the transport's I/O goroutine, like
// every chanmux.Channel; none of its methods block.
package mainchan

import (
	"fmt"
	"sort"

	"github.com/sammck-go/sshmux/pkg/chanmux"
)

// Logger is an alias to make the chanmux logging interface local.
type Logger = chanmux.Logger

// Frontend is the consumer of the main session: the terminal (or whatever
// stands in for one). It receives the session's inbound streams plus
// lifecycle notifications. All calls arrive on the transport's I/O goroutine
// and must not block.
type Frontend interface {
	chanmux.DataConsumer

	// SessionStarted fires once the shell, command or subsystem request
	// succeeds and the session is live.
	SessionStarted()

	// SessionExited fires when the remote process reports its exit, with a
	// display-ready description of how it ended.
	SessionExited(msg string)
}

// State is the lifecycle phase of a MainChan.
type State int

const (
	// StateAwaitingOpen means the open request is outstanding.
	StateAwaitingOpen State = iota
	// StateNegotiating means the open was confirmed and the setup requests
	// (forwarding, pty, primary) are being resolved.
	StateNegotiating
	// StateRunning means the shell, command or subsystem is live.
	StateRunning
	// StateExitReceived means the remote process has reported its exit but
	// the channel has not finished closing.
	StateExitReceived
	// StateClosing means close has been agreed and is in progress.
	StateClosing
	// StateClosed means the channel has been torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingOpen:
		return "AwaitingOpen"
	case StateNegotiating:
		return "Negotiating"
	case StateRunning:
		return "Running"
	case StateExitReceived:
		return "ExitReceived"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// reqKind tags entries in the negotiation FIFO so replies, which arrive in
// issue order, can be matched back to what was asked.
type reqKind int

const (
	reqAgent reqKind = iota
	reqX11
	reqEnv
	reqPty
	reqExec
	reqSubsystem
	reqShell
)

func (k reqKind) String() string {
	switch k {
	case reqAgent:
		return "agent forwarding"
	case reqX11:
		return "X11 forwarding"
	case reqEnv:
		return "environment variable"
	case reqPty:
		return "pty allocation"
	case reqExec:
		return "remote command"
	case reqSubsystem:
		return "subsystem"
	case reqShell:
		return "shell"
	}
	return fmt.Sprintf("reqKind(%d)", int(k))
}

// MainChan is the chanmux.Channel implementation for the client's primary
// session channel.
type MainChan struct {
	chanmux.ChannelDefaults

	log    Logger
	mux    *chanmux.Multiplexer
	fe     Frontend
	handle chanmux.SSHChannel

	state    State
	isSimple bool

	termWidth  int
	termHeight int

	// queued mirrors the handle's pending-request FIFO with what each
	// outstanding request was, so RequestResponse can dispatch.
	queued []reqKind

	ptyGranted bool
	// resizePending holds the most recent terminal size change that arrived
	// before the pty request resolved; it is sent at most once, on grant.
	resizePending bool

	triedShellFallback bool

	inputWanted bool

	gotExit    bool
	exitStatus int
}

var _ chanmux.Channel = (*MainChan)(nil)
var _ chanmux.HandleSetter = (*MainChan)(nil)

// New creates the main session channel and opens it through mux. termWidth
// and termHeight seed the pty request; isSimple marks this channel as the
// connection's only real payload, lifting its flow-control ceiling.
func New(log Logger, mux *chanmux.Multiplexer, fe Frontend,
	termWidth, termHeight int, isSimple bool) (*MainChan, error) {

	mc := &MainChan{
		log:         log.ForkLogStr("MainChan"),
		mux:         mux,
		fe:          fe,
		state:       StateAwaitingOpen,
		isSimple:    isSimple,
		termWidth:   termWidth,
		termHeight:  termHeight,
		inputWanted: true,
		exitStatus:  -1,
	}
	if _, err := mux.OpenChannel("session", mc, nil); err != nil {
		return nil, err
	}
	return mc, nil
}

// SetHandle is called by the Multiplexer during OpenChannel.
func (mc *MainChan) SetHandle(sc chanmux.SSHChannel) {
	mc.handle = sc
}

// State returns the current lifecycle phase.
func (mc *MainChan) State() State {
	return mc.state
}

// ---------------------------------------------------------------------------
// Negotiation

// OpenConfirmation runs the session setup sequence: window override for
// simple connections, then agent forwarding, X11 forwarding, environment,
// pty, and finally the primary request (shell, command or subsystem), all
// pipelined without waiting for individual replies.
func (mc *MainChan) OpenConfirmation() {
	conf := mc.handle.GetConf()
	mc.state = StateNegotiating
	mc.log.DLogf("Session channel open confirmed, negotiating")

	if mc.isSimple {
		mc.handle.HintChannelIsSimple()
	}

	if conf.AgentForward {
		mc.handle.RequestAgentForwarding(true)
		mc.queued = append(mc.queued, reqAgent)
	}

	if conf.X11Forward {
		mc.handle.RequestX11Forwarding(true, conf.X11AuthProto, conf.X11AuthData, conf.X11Screen, false)
		mc.queued = append(mc.queued, reqX11)
	}

	if len(conf.Env) > 0 {
		names := make([]string, 0, len(conf.Env))
		for name := range conf.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if mc.handle.SendEnvVar(true, name, conf.Env[name]) {
				mc.queued = append(mc.queued, reqEnv)
			} else {
				mc.log.WLogf("Protocol cannot express environment variables, skipping")
				break
			}
		}
	}

	if !conf.NoPTY {
		mc.handle.RequestPTY(true, conf, mc.termWidth, mc.termHeight)
		mc.queued = append(mc.queued, reqPty)
	}

	mc.startPrimary(conf)
}

// startPrimary issues the request that actually starts the session.
func (mc *MainChan) startPrimary(conf *chanmux.Conf) {
	if conf.RemoteCommand == "" {
		mc.handle.StartShell(true)
		mc.queued = append(mc.queued, reqShell)
		return
	}
	if conf.RemoteSubsystem {
		if !mc.handle.StartSubsystem(true, conf.RemoteCommand) {
			mc.abort(fmt.Errorf("protocol cannot express subsystem requests"))
			return
		}
		mc.queued = append(mc.queued, reqSubsystem)
		return
	}
	mc.handle.StartCommand(true, conf.RemoteCommand)
	mc.queued = append(mc.queued, reqExec)
}

// RequestResponse resolves the oldest outstanding setup request.
func (mc *MainChan) RequestResponse(success bool) {
	if len(mc.queued) == 0 {
		mc.log.ELogf("Request reply with no outstanding request")
		mc.abort(fmt.Errorf("unexpected request reply on session channel"))
		return
	}
	kind := mc.queued[0]
	mc.queued = mc.queued[1:]
	mc.log.DLogf("Reply for %s request: success=%v", kind, success)

	switch kind {
	case reqAgent, reqX11, reqEnv:
		if !success {
			mc.log.WLogf("Server refused %s request", kind)
		}
	case reqPty:
		mc.ptyGranted = success
		if success {
			if mc.resizePending {
				mc.resizePending = false
				mc.handle.SendTerminalSizeChange(mc.termWidth, mc.termHeight)
			}
		} else {
			mc.log.WLogf("Server refused pty allocation, continuing without a terminal")
		}
	case reqExec:
		if success {
			mc.sessionLive()
		} else if !mc.triedShellFallback && !mc.handle.GetConf().NoCommandFallback {
			mc.triedShellFallback = true
			mc.log.ILogf("Server refused remote command, falling back to shell")
			mc.handle.StartShell(true)
			mc.queued = append(mc.queued, reqShell)
		} else {
			mc.abort(fmt.Errorf("server refused to run remote command"))
		}
	case reqSubsystem:
		if success {
			mc.sessionLive()
		} else {
			mc.abort(fmt.Errorf("server refused to start subsystem"))
		}
	case reqShell:
		if success {
			mc.sessionLive()
		} else {
			mc.abort(fmt.Errorf("server refused to start a shell"))
		}
	}
}

func (mc *MainChan) sessionLive() {
	mc.state = StateRunning
	mc.log.ILogf("Session started")
	mc.fe.SessionStarted()
}

// abort tears the session down after an unrecoverable negotiation failure.
func (mc *MainChan) abort(err error) {
	mc.log.ELogf("Session setup failed: %v", err)
	mc.state = StateClosing
	mc.fe.SessionExited(err.Error())
	mc.handle.UncleanClose(err)
}

// OpenFailed reports the refused session open to the frontend. The creator
// still owns the MainChan and releases it.
func (mc *MainChan) OpenFailed(errText string) {
	mc.state = StateClosed
	mc.log.ELogf("Session channel open refused: %s", errText)
	mc.fe.SessionExited("Server refused to open the session channel: " + errText)
}

// ---------------------------------------------------------------------------
// Data plane

// Send relays inbound session output to the frontend.
func (mc *MainChan) Send(isStderr bool, data []byte) int {
	return mc.fe.ConsumeData(isStderr, data)
}

// SendEOF relays the server's end-of-output to the frontend.
func (mc *MainChan) SendEOF() {
	mc.fe.ConsumeEOF()
}

// SetInputWanted records whether the channel wants more terminal input.
func (mc *MainChan) SetInputWanted(wanted bool) {
	mc.inputWanted = wanted
}

// InputWanted reports whether the session currently wants more terminal
// input; the frontend should pause reading the keyboard while it is false.
func (mc *MainChan) InputWanted() bool {
	return mc.inputWanted
}

// Write feeds terminal input into the session, returning the number of
// bytes still buffered as a backpressure hint.
func (mc *MainChan) Write(data []byte) int {
	return mc.handle.Write(data)
}

// WriteEOF signals that terminal input has ended.
func (mc *MainChan) WriteEOF() {
	mc.handle.WriteEOF()
}

// Unthrottle reports that the frontend has drained n bytes it previously
// declined to accept from Send.
func (mc *MainChan) Unthrottle(n int) {
	mc.handle.Unthrottle(n)
}

// TerminalSize records the current terminal dimensions and propagates them
// to the server. Changes arriving before the pty request has been granted
// are held back, with only the most recent surviving, and sent once on
// grant; without a granted pty nothing is ever sent.
func (mc *MainChan) TerminalSize(width, height int) {
	mc.termWidth = width
	mc.termHeight = height
	if mc.state == StateAwaitingOpen || mc.state == StateClosing || mc.state == StateClosed {
		return
	}
	if !mc.ptyGranted {
		if mc.hasPendingPty() {
			mc.resizePending = true
		}
		return
	}
	mc.handle.SendTerminalSizeChange(width, height)
}

func (mc *MainChan) hasPendingPty() bool {
	for _, k := range mc.queued {
		if k == reqPty {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Exit notifications and close

// RcvdExitStatus accepts the remote exit code once the session is live.
func (mc *MainChan) RcvdExitStatus(status int) bool {
	if mc.state != StateRunning && mc.state != StateExitReceived {
		return false
	}
	mc.gotExit = true
	mc.exitStatus = status
	mc.state = StateExitReceived
	mc.fe.SessionExited(fmt.Sprintf("Session exited with status %d", status))
	return true
}

// RcvdExitSignal accepts a fatal remote signal once the session is live.
func (mc *MainChan) RcvdExitSignal(signame string, coreDumped bool, msg string) bool {
	if mc.state != StateRunning && mc.state != StateExitReceived {
		return false
	}
	mc.gotExit = true
	mc.exitStatus = -1
	mc.state = StateExitReceived
	mc.fe.SessionExited(exitSignalMessage("SIG"+signame, coreDumped, msg))
	return true
}

// RcvdExitSignalNumeric accepts the nonstandard numeric exit-signal variant.
func (mc *MainChan) RcvdExitSignalNumeric(signum int, coreDumped bool, msg string) bool {
	if mc.state != StateRunning && mc.state != StateExitReceived {
		return false
	}
	mc.gotExit = true
	mc.exitStatus = -1
	mc.state = StateExitReceived
	mc.fe.SessionExited(exitSignalMessage(fmt.Sprintf("signal %d", signum), coreDumped, msg))
	return true
}

func exitSignalMessage(sig string, coreDumped bool, msg string) string {
	s := "Session terminated on " + sig
	if coreDumped {
		s += " (core dumped)"
	}
	if msg != "" {
		s += ": " + msg
	}
	return s
}

// ExitStatus returns the recorded remote exit code, or -1 if the process was
// killed by a signal or has not exited.
func (mc *MainChan) ExitStatus() (status int, received bool) {
	return mc.exitStatus, mc.gotExit
}

// WantClose applies the standard both-EOFs policy, noting the transition.
func (mc *MainChan) WantClose(sentLocalEOF, rcvdRemoteEOF bool) bool {
	if sentLocalEOF && rcvdRemoteEOF {
		if mc.state != StateClosed {
			mc.state = StateClosing
		}
		return true
	}
	return false
}

// LogCloseMsg describes the session outcome for the close log line.
func (mc *MainChan) LogCloseMsg() string {
	if mc.gotExit && mc.exitStatus >= 0 {
		return fmt.Sprintf("session finished with status %d", mc.exitStatus)
	}
	if mc.gotExit {
		return "session killed by remote signal"
	}
	return "session closed"
}

// Free marks the channel fully torn down.
func (mc *MainChan) Free() {
	mc.state = StateClosed
	mc.log.DLogf("Session channel freed")
}
