package chanmux

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
)

// Poster injects work onto the transport's I/O goroutine. Every SSHChannel
// and Multiplexer method must run on that goroutine; background workers use
// a Poster to get back onto it. The transport owns the loop and provides the
// implementation.
type Poster interface {
	Post(fn func())
}

// PostFunc adapts a plain function to the Poster interface.
type PostFunc func(fn func())

// Post implements Poster.
func (f PostFunc) Post(fn func()) { f(fn) }

// DefaultRelayBufferSize is the read chunk size and the inbound buffering
// limit used by a StreamRelay.
const DefaultRelayBufferSize = 32 * 1024

// StreamRelay bridges one multiplexed channel to a blocking local byte
// stream (a forwarded TCP connection, an agent socket, a stdio pair). It is
// the DataConsumer for the channel's inbound direction, buffering wire data
// and draining it to the stream from a background writer; a background
// reader pumps the stream's bytes back into the channel. All SSHChannel
// calls are marshalled onto the I/O goroutine through the Poster.
//
// The relay takes ownership of the stream and closes it at shutdown. It
// shuts itself down when both directions have finished, or on any stream
// error.
type StreamRelay struct {
	*AsyncHelper

	post   Poster
	stream io.ReadWriteCloser
	sc     SSHChannel

	// cond guards the inbound buffer state below, using the Helper's Lock.
	cond *sync.Cond

	inBuf []byte
	// debt is the count of inbound bytes the relay declined in ConsumeData
	// accounting (buffer past its limit); draining them is reported through
	// Unthrottle so the peer's window recovers.
	debt     int
	gotEOF   bool
	draining bool

	// inputWanted gates the reader; cleared while the channel's outbound
	// backlog is large.
	inputWanted bool

	workerWg sync.WaitGroup

	bytesToStream   uint64
	bytesFromStream uint64

	strname string
}

// lockedIsStartedShutdown reports whether shutdown has begun, for callers
// already holding the Helper's Lock (Helper.IsStartedShutdown re-acquires
// that lock and would self-deadlock). The channel is closed at the same
// instant IsStartedShutdown starts returning true.
func (r *StreamRelay) lockedIsStartedShutdown() bool {
	select {
	case <-r.ShutdownStartedChan():
		return true
	default:
		return false
	}
}

var _ DataConsumer = (*StreamRelay)(nil)
var _ InputGate = (*StreamRelay)(nil)

// lastRelayID is the last allocated StreamRelay id, for logging purposes.
var lastRelayID int32

// NewStreamRelay creates a relay for stream, not yet attached to a channel.
// The caller opens (or accepts) a channel with a DataConsumer-backed
// endpoint pointing at the relay, then calls Start with the channel's
// handle once the channel is usable.
func NewStreamRelay(log Logger, post Poster, stream io.ReadWriteCloser) *StreamRelay {
	r := &StreamRelay{
		post:        post,
		stream:      stream,
		inputWanted: true,
		strname:     fmt.Sprintf("Relay#%d", atomic.AddInt32(&lastRelayID, 1)),
	}
	r.AsyncHelper = asyncobj.NewHelper(log.ForkLogStr(r.strname), r)
	r.cond = sync.NewCond(&r.Lock)
	r.SetIsActivated()
	return r
}

func (r *StreamRelay) String() string {
	return r.strname
}

// Start attaches the relay to its channel handle and launches the two
// pumping goroutines. Call it once, from the I/O goroutine, after the
// channel is open (for locally-initiated channels, from OpenConfirmation).
func (r *StreamRelay) Start(sc SSHChannel) {
	r.sc = sc
	r.workerWg.Add(2)
	go r.runReader()
	go r.runWriter()
}

// ---------------------------------------------------------------------------
// DataConsumer: wire -> stream (called on the I/O goroutine)

// ConsumeData buffers inbound wire bytes for the writer goroutine. Bytes
// past the buffering limit are kept too, but reported as not accepted so the
// multiplexer withholds window from the peer until the writer drains them.
func (r *StreamRelay) ConsumeData(isStderr bool, data []byte) int {
	r.Lock.Lock()
	space := DefaultRelayBufferSize - len(r.inBuf)
	if space < 0 {
		space = 0
	}
	accepted := len(data)
	if accepted > space {
		accepted = space
	}
	r.inBuf = append(r.inBuf, data...)
	r.debt += len(data) - accepted
	r.cond.Broadcast()
	r.Lock.Unlock()
	return accepted
}

// ConsumeEOF tells the writer to close the stream's write side once the
// buffer drains.
func (r *StreamRelay) ConsumeEOF() {
	r.Lock.Lock()
	r.gotEOF = true
	r.cond.Broadcast()
	r.Lock.Unlock()
}

// SetInputWanted gates the reader goroutine; the owning Channel forwards its
// SetInputWanted callback here.
func (r *StreamRelay) SetInputWanted(wanted bool) {
	r.Lock.Lock()
	r.inputWanted = wanted
	r.cond.Broadcast()
	r.Lock.Unlock()
}

// ---------------------------------------------------------------------------
// Workers

// runWriter drains buffered wire data into the stream, repaying window debt
// through the I/O goroutine as it goes.
func (r *StreamRelay) runWriter() {
	defer r.workerWg.Done()
	for {
		r.Lock.Lock()
		for len(r.inBuf) == 0 && !r.gotEOF && !r.lockedIsStartedShutdown() {
			r.cond.Wait()
		}
		if r.lockedIsStartedShutdown() && len(r.inBuf) == 0 {
			r.Lock.Unlock()
			return
		}
		data := r.inBuf
		r.inBuf = nil
		eof := r.gotEOF
		r.Lock.Unlock()

		if len(data) > 0 {
			nw, err := r.stream.Write(data)
			if nw > 0 {
				atomic.AddUint64(&r.bytesToStream, uint64(nw))
				r.repayDebt(nw)
			}
			if err != nil {
				r.DLogf("Stream write failed after %d bytes: %v", nw, err)
				r.abort(err)
				return
			}
		}
		if eof {
			r.Lock.Lock()
			drained := len(r.inBuf) == 0
			r.Lock.Unlock()
			if drained {
				if cw, ok := r.stream.(interface{ CloseWrite() error }); ok {
					if err := cw.CloseWrite(); err != nil {
						r.DLogf("CloseWrite failed: %v", err)
					}
				}
				r.DLogf("Wire EOF delivered to stream after %d bytes", atomic.LoadUint64(&r.bytesToStream))
				r.finishDirection()
				return
			}
		}
	}
}

// repayDebt reports drained previously-declined bytes back to the channel.
func (r *StreamRelay) repayDebt(nw int) {
	r.Lock.Lock()
	repaid := nw
	if repaid > r.debt {
		repaid = r.debt
	}
	r.debt -= repaid
	r.Lock.Unlock()
	if repaid > 0 {
		sc := r.sc
		r.post.Post(func() { sc.Unthrottle(repaid) })
	}
}

// runReader pumps the stream's bytes into the channel, pausing while the
// channel reports its outbound backlog full.
func (r *StreamRelay) runReader() {
	defer r.workerWg.Done()
	buf := make([]byte, DefaultRelayBufferSize)
	for {
		r.Lock.Lock()
		for !r.inputWanted && !r.lockedIsStartedShutdown() {
			r.cond.Wait()
		}
		stopped := r.lockedIsStartedShutdown()
		r.Lock.Unlock()
		if stopped {
			return
		}

		nr, err := r.stream.Read(buf)
		if nr > 0 {
			atomic.AddUint64(&r.bytesFromStream, uint64(nr))
			chunk := append([]byte(nil), buf[:nr]...)
			sc := r.sc
			r.post.Post(func() { sc.Write(chunk) })
		}
		if err == io.EOF {
			sc := r.sc
			r.post.Post(func() { sc.WriteEOF() })
			r.DLogf("Stream EOF forwarded to wire after %d bytes", atomic.LoadUint64(&r.bytesFromStream))
			r.finishDirection()
			return
		}
		if err != nil {
			if !r.IsStartedShutdown() {
				r.DLogf("Stream read failed: %v", err)
				r.abort(err)
			}
			return
		}
	}
}

// finishDirection notes one direction complete; when both are done the relay
// shuts itself down cleanly.
func (r *StreamRelay) finishDirection() {
	r.Lock.Lock()
	done := r.draining
	r.draining = true
	r.Lock.Unlock()
	if done {
		r.StartShutdown(nil)
	}
}

// abort tears down the relay and the channel after a stream failure.
func (r *StreamRelay) abort(err error) {
	sc := r.sc
	r.post.Post(func() { sc.UncleanClose(err) })
	r.StartShutdown(err)
}

// GetNumBytesWritten returns the bytes written to the stream so far.
func (r *StreamRelay) GetNumBytesWritten() uint64 {
	return atomic.LoadUint64(&r.bytesToStream)
}

// GetNumBytesRead returns the bytes read from the stream so far.
func (r *StreamRelay) GetNumBytesRead() uint64 {
	return atomic.LoadUint64(&r.bytesFromStream)
}

// HandleOnceShutdown closes the stream, unblocking both workers, and waits
// for them to exit.
func (r *StreamRelay) HandleOnceShutdown(completionErr error) error {
	err := r.stream.Close()
	r.Lock.Lock()
	r.cond.Broadcast()
	r.Lock.Unlock()
	r.workerWg.Wait()
	if completionErr == nil && err != nil {
		completionErr = err
	}
	return completionErr
}
