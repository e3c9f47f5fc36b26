package chanmux

// SessionChannel is a general-purpose Channel for locally-initiated
// "session"-style channels whose inbound stream is handed to a DataConsumer.
// It accepts process-exit notifications, recording the most recent one, and
// can surface lifecycle events through optional callbacks. Packages that
// need full control of session negotiation (the interactive main channel)
// build their own Channel instead; SessionChannel suits batch-style
// sessions and tests.
type SessionChannel struct {
	ChannelDefaults

	log      Logger
	consumer DataConsumer
	handle   SSHChannel

	// OnOpenConfirmation, OnOpenFailed and OnRequestResponse, when non-nil,
	// are invoked from the corresponding Channel events. All run on the
	// Multiplexer's event goroutine and must not block.
	OnOpenConfirmation func()
	OnOpenFailed       func(errText string)
	OnRequestResponse  func(success bool)

	inputWanted bool

	gotExit    bool
	exitStatus int
	exitSignal string
	exitMsg    string
}

var _ Channel = (*SessionChannel)(nil)
var _ HandleSetter = (*SessionChannel)(nil)

// NewSessionChannel creates a SessionChannel delivering inbound data to
// consumer.
func NewSessionChannel(log Logger, consumer DataConsumer) *SessionChannel {
	return &SessionChannel{
		log:         log,
		consumer:    consumer,
		inputWanted: true,
	}
}

// SetHandle is called by the Multiplexer at registration time.
func (s *SessionChannel) SetHandle(sc SSHChannel) {
	s.handle = sc
}

// Handle returns the SSHChannel this endpoint talks back through. Nil until
// the channel is registered with a Multiplexer.
func (s *SessionChannel) Handle() SSHChannel {
	return s.handle
}

// OpenConfirmation notes that the peer accepted the open.
func (s *SessionChannel) OpenConfirmation() {
	s.log.DLogf("Session channel open confirmed")
	if s.OnOpenConfirmation != nil {
		s.OnOpenConfirmation()
	}
}

// OpenFailed notes that the peer refused the open. The creator still owns
// this object and releases it.
func (s *SessionChannel) OpenFailed(errText string) {
	s.log.ILogf("Session channel open failed: %s", errText)
	if s.OnOpenFailed != nil {
		s.OnOpenFailed(errText)
	}
}

// Send forwards inbound data to the consumer, reporting how much it
// accepted.
func (s *SessionChannel) Send(isStderr bool, data []byte) int {
	return s.consumer.ConsumeData(isStderr, data)
}

// SendEOF forwards the peer's EOF to the consumer.
func (s *SessionChannel) SendEOF() {
	s.consumer.ConsumeEOF()
}

// SetInputWanted records the flow-control hint for InputWanted and passes it
// through to a consumer that gates its own producer.
func (s *SessionChannel) SetInputWanted(wanted bool) {
	s.inputWanted = wanted
	if g, ok := s.consumer.(InputGate); ok {
		g.SetInputWanted(wanted)
	}
}

// InputWanted reports whether the channel currently wants more local input;
// producers should pause feeding Write while it is false.
func (s *SessionChannel) InputWanted() bool {
	return s.inputWanted
}

// RcvdExitStatus records the remote process exit code.
func (s *SessionChannel) RcvdExitStatus(status int) bool {
	s.gotExit = true
	s.exitStatus = status
	s.exitSignal = ""
	s.exitMsg = ""
	s.log.DLogf("Remote process exited with status %d", status)
	return true
}

// RcvdExitSignal records a fatal remote signal by name.
func (s *SessionChannel) RcvdExitSignal(signame string, coreDumped bool, msg string) bool {
	s.gotExit = true
	s.exitStatus = -1
	s.exitSignal = signame
	s.exitMsg = msg
	s.log.DLogf("Remote process killed by SIG%s (core dumped: %v)", signame, coreDumped)
	return true
}

// RcvdExitSignalNumeric records a fatal remote signal delivered in the
// nonstandard numeric form.
func (s *SessionChannel) RcvdExitSignalNumeric(signum int, coreDumped bool, msg string) bool {
	s.gotExit = true
	s.exitStatus = -1
	s.exitSignal = "unknown"
	s.exitMsg = msg
	s.log.DLogf("Remote process killed by signal %d (core dumped: %v)", signum, coreDumped)
	return true
}

// ExitStatus returns the recorded exit code, or -1 if the process was
// killed by a signal or no exit notification has arrived yet.
func (s *SessionChannel) ExitStatus() (status int, received bool) {
	return s.exitStatus, s.gotExit
}

// Free has no resources to release; the consumer outlives the channel.
func (s *SessionChannel) Free() {
	s.log.DLogf("Session channel freed")
}

// RequestResponse resolves the oldest outstanding want-reply request this
// endpoint issued through its handle.
func (s *SessionChannel) RequestResponse(success bool) {
	if s.OnRequestResponse != nil {
		s.OnRequestResponse(success)
		return
	}
	s.log.DLogf("Session channel request resolved, success=%v", success)
}

// LogCloseMsg describes the session outcome for the close log line.
func (s *SessionChannel) LogCloseMsg() string {
	if !s.gotExit {
		return "session closed"
	}
	if s.exitSignal != "" {
		return "session killed by SIG" + s.exitSignal
	}
	return "session closed"
}
