// Package chanmux implements the channel-multiplexing subsystem of the SSH
// connection layer: the mechanism that lets one encrypted transport carry many
// independent logical data streams (an interactive session, port forwards, X11
// forwarding, agent forwarding) at the same time, each with its own open/close
// handshake, credit-window flow control, and request/reply sub-protocol.
//
// The package deliberately stops at the channel abstraction. Transport
// encryption and key exchange, user authentication, terminal rendering, raw
// packet framing and network socket management are all external collaborators:
// the transport decodes RFC 4254 channel messages and hands them to a
// Multiplexer via HandleMessage, and accepts outbound messages through the
// MessageSender interface it provides.
//
// There are two interfaces at the heart of the package, mirroring the two
// directions of control flow:
//
// A Channel is the local-side logic of one multiplexed stream: it receives
// inbound data and EOF, decides closing policy, and handles channel requests
// directed at it (exit-status and friends). Variants provided here are
// SessionChannel, PortForwardChannel, X11ForwardChannel, AgentForwardChannel
// and ZombieChannel; the mainchan package adds the interactive main session
// channel. New variants embed ChannelDefaults to inherit the standard
// policies (close only after EOF in both directions, refuse all exit
// requests, no-op open confirmation).
//
// An SSHChannel is the multiplexer's handle to the same stream, used by the
// Channel implementation to talk back to the wire: write data and EOF, issue
// outgoing channel requests (pty-req, shell, exec, subsystem, env, signal,
// break, window-change, x11-req, auth-agent-req), grant receive window back
// to the peer, or abort uncleanly.
//
// Every operation in this package executes synchronously on the transport's
// I/O-processing goroutine. Nothing blocks; backpressure is always expressed
// through return values. Channel.Send returns the number of bytes the local
// consumer accepted, and the multiplexer withholds further receive-window
// grants until SSHChannel.Unthrottle reports that the local buffer has
// drained. SSHChannel.Write returns the number of bytes still buffered
// awaiting peer window credit, and the multiplexer tells the producing
// Channel to pause via SetInputWanted(false) until a window-adjust arrives.
//
// Replies to want-reply requests on one channel always resolve in the order
// the requests were issued; the multiplexer keeps an explicit FIFO of
// pending requests per channel and treats a reply with an empty FIFO as a
// protocol contract violation fatal to that channel.
package chanmux

import (
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Logger is a convenient alias for logger.Logger, so importers of this
// package do not also need to import the logger package.
type Logger = logger.Logger

// AsyncHelper is a convenient alias for asyncobj.Helper.
type AsyncHelper = asyncobj.Helper

// AsyncShutdowner is a convenient alias for asyncobj.AsyncShutdowner.
type AsyncShutdowner = asyncobj.AsyncShutdowner

// HandleOnceShutdowner is a convenient alias for asyncobj.HandleOnceShutdowner.
type HandleOnceShutdowner = asyncobj.HandleOnceShutdowner

const (
	// MaxPacketSize is the largest data payload we advertise or emit in a
	// single channel data message. RFC 4253 section 6.1 makes 32k the minimum
	// everyone must accept.
	MaxPacketSize = 1 << 15

	// DefaultInitialWindowSize is the receive-window credit advertised when a
	// channel opens, unless the Channel overrides InitialWindowSize. Matches
	// OpenSSH's 64 maximum-size packets.
	DefaultInitialWindowSize = 64 * MaxPacketSize

	// SimpleWindowSize is the receive-window ceiling used for channels hinted
	// as "simple" (the only consumer of the transport, so per-channel fairness
	// does not matter and a huge window minimizes round trips).
	SimpleWindowSize = 0x7fff0000
)
