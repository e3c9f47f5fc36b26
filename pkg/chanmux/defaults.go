package chanmux

// ChannelDefaults is an embeddable base supplying the standard reusable
// channel policies: no-op open confirmation/failure, close only after EOF in
// both directions, and refusal of every exit-status/exit-signal request.
// Channel variants embed it and override the methods they care about.
type ChannelDefaults struct{}

// InitialWindowSize returns the standard advertised receive window.
func (ChannelDefaults) InitialWindowSize() uint32 {
	return DefaultInitialWindowSize
}

// OpenConfirmation is a no-op for channels with nothing to do on
// confirmation (including remotely-initiated channels, for which it is
// never called).
func (ChannelDefaults) OpenConfirmation() {}

// OpenFailed is a no-op; the creator is responsible for the actual release.
func (ChannelDefaults) OpenFailed(errText string) {}

// WantClose implements the no-eager-close policy: the channel stays open
// until EOF has been both sent and received.
func (ChannelDefaults) WantClose(sentLocalEOF, rcvdRemoteEOF bool) bool {
	return sentLocalEOF && rcvdRemoteEOF
}

// LogCloseMsg has nothing interesting to report by default.
func (ChannelDefaults) LogCloseMsg() string { return "" }

// RcvdExitStatus refuses exit-status requests.
func (ChannelDefaults) RcvdExitStatus(status int) bool { return false }

// RcvdExitSignal refuses named exit-signal requests.
func (ChannelDefaults) RcvdExitSignal(signame string, coreDumped bool, msg string) bool {
	return false
}

// RcvdExitSignalNumeric refuses numeric exit-signal requests.
func (ChannelDefaults) RcvdExitSignalNumeric(signum int, coreDumped bool, msg string) bool {
	return false
}

// RequestResponse handles replies for channels that never issue want-reply
// requests: any call is a contract violation. The Multiplexer detects a
// reply with no outstanding request before dispatching, so reaching this
// method means a request was issued by a channel that cannot handle its
// reply.
func (ChannelDefaults) RequestResponse(success bool) {
	panic("chanmux: request reply delivered to a channel that never issues requests")
}
