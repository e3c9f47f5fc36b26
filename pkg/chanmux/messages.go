package chanmux

import "fmt"

// Decoded wire events for the channel sub-protocol of the SSH connection
// layer (RFC 4254, sections 5 and 6.x). The transport collaborator performs
// packet framing and decoding; a Multiplexer consumes and produces these
// structs. Field tags follow the golang.org/x/crypto/ssh marshaling
// conventions so the transport can encode them directly.
//
// In every message except ChannelOpenMsg, PeersID is the *recipient's*
// channel id: our local id on inbound messages, the remote id on outbound.

// See RFC 4254, section 5.1.
const MsgChannelOpen = 90

// ChannelOpenMsg asks the peer to open a new channel. PeersID here is the
// *sender's* id for the new channel.
type ChannelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// See RFC 4254, section 5.1.
const MsgChannelOpenConfirm = 91

// ChannelOpenConfirmMsg confirms a channel open; MyID is the confirming
// side's id for the channel, MyWindow its initial receive window.
type ChannelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// See RFC 4254, section 5.1.
const MsgChannelOpenFailure = 92

// ChannelOpenFailureMsg refuses a channel open.
type ChannelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   RejectionReason
	Message  string
	Language string
}

// RejectionReason is an enumeration used when rejecting channel open
// requests. See RFC 4254, section 5.1.
type RejectionReason uint32

const (
	Prohibited RejectionReason = iota + 1
	ConnectionFailed
	UnknownChannelType
	ResourceShortage
)

// String converts the rejection reason to human readable form.
func (r RejectionReason) String() string {
	switch r {
	case Prohibited:
		return "administratively prohibited"
	case ConnectionFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return fmt.Sprintf("unknown reason %d", int(r))
}

// See RFC 4254, section 5.2.
const (
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
)

// ChannelDataMsg carries primary-stream bytes.
type ChannelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Length  uint32
	Rest    []byte `ssh:"rest"`
}

// ChannelExtendedDataMsg carries extended-stream bytes; the only code in
// common use is ExtendedDataStderr.
type ChannelExtendedDataMsg struct {
	PeersID      uint32 `sshtype:"95"`
	DataTypeCode uint32
	Length       uint32
	Rest         []byte `ssh:"rest"`
}

// ExtendedDataStderr is the extended-data type code for the stderr stream.
// See RFC 4254, section 5.2.
const ExtendedDataStderr = 1

// See RFC 4254, section 5.2.
const MsgChannelWindowAdjust = 93

// WindowAdjustMsg grants the peer AdditionalBytes more send credit.
type WindowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

// See RFC 4254, section 5.3.
const (
	MsgChannelEOF   = 96
	MsgChannelClose = 97
)

// ChannelEOFMsg signals end of stream in one direction.
type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

// ChannelCloseMsg requests full teardown of the channel.
type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

// See RFC 4254, section 5.4.
const (
	MsgChannelRequest = 98
	MsgChannelSuccess = 99
	MsgChannelFailure = 100
)

// ChannelRequestMsg carries a typed request on an open channel.
type ChannelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

// ChannelRequestSuccessMsg is the success reply to the oldest outstanding
// want-reply request on the channel.
type ChannelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

// ChannelRequestFailureMsg is the failure reply to the oldest outstanding
// want-reply request on the channel.
type ChannelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

// Request-specific payloads, marshaled with golang.org/x/crypto/ssh into
// ChannelRequestMsg.RequestSpecificData. See RFC 4254 sections 6.2-6.10.

// PtyReqPayload is the payload of a "pty-req" request.
type PtyReqPayload struct {
	TermEnv           string
	Width, Height     uint32
	WidthPx, HeightPx uint32
	Modes             []byte
}

// ExecPayload is the payload of an "exec" request.
type ExecPayload struct {
	Command string
}

// SubsystemPayload is the payload of a "subsystem" request.
type SubsystemPayload struct {
	Subsystem string
}

// EnvPayload is the payload of an "env" request.
type EnvPayload struct {
	Name  string
	Value string
}

// WindowChangePayload is the payload of a "window-change" request.
type WindowChangePayload struct {
	WidthColumns uint32
	HeightRows   uint32
	WidthPx      uint32
	HeightPx     uint32
}

// SignalPayload is the payload of a "signal" request. The signal name is
// given without the "SIG" prefix, per RFC 4254 section 6.9.
type SignalPayload struct {
	Signal string
}

// BreakPayload is the payload of a "break" request (RFC 4335); length is in
// milliseconds, 0 requesting the implementation default.
type BreakPayload struct {
	BreakLengthMs uint32
}

// X11ReqPayload is the payload of an "x11-req" request.
type X11ReqPayload struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

// ExitStatusPayload is the payload of an "exit-status" request.
type ExitStatusPayload struct {
	ExitStatus uint32
}

// ExitSignalPayload is the payload of an "exit-signal" request in its
// standard form, naming the signal without the "SIG" prefix.
type ExitSignalPayload struct {
	SignalName   string
	CoreDumped   bool
	ErrorMessage string
	Language     string
}

// ExitSignalNumericPayload is the nonstandard "exit-signal" variant some
// servers send, carrying a raw signal number instead of a name.
type ExitSignalNumericPayload struct {
	SignalNumber uint32
	CoreDumped   bool
	ErrorMessage string
	Language     string
}
