package chanmux

// ZombieChannel is a placeholder Channel for a stream whose proper local
// consumer has been shut down or otherwise stopped existing, but whose wire
// channel is still there and needs some kind of Channel implementation to
// talk to until the close handshake completes. Its WantClose always answers
// "yes, close as soon as possible", regardless of whether local or remote
// EOF has happened; inbound data and EOF are discarded silently and all
// requests are refused.
type ZombieChannel struct {
	ChannelDefaults
	log Logger
}

var _ Channel = (*ZombieChannel)(nil)

// NewZombieChannel creates a ZombieChannel. logger may be nil for a fully
// silent zombie.
func NewZombieChannel(log Logger) *ZombieChannel {
	return &ZombieChannel{log: log}
}

// WantClose hastens teardown: always true, even if neither side has sent EOF.
func (z *ZombieChannel) WantClose(sentLocalEOF, rcvdRemoteEOF bool) bool { return true }

// Send discards inbound data, accepting everything so the peer is never
// throttled while the close handshake drains.
func (z *ZombieChannel) Send(isStderr bool, data []byte) int { return len(data) }

// SendEOF discards the peer's EOF.
func (z *ZombieChannel) SendEOF() {}

// SetInputWanted has no producer to throttle.
func (z *ZombieChannel) SetInputWanted(wanted bool) {}

// LogCloseMsg identifies the close as a zombie teardown.
func (z *ZombieChannel) LogCloseMsg() string { return "zombie channel closed" }

// Free has no resources to release.
func (z *ZombieChannel) Free() {
	if z.log != nil {
		z.log.DLogf("zombie channel freed")
	}
}
