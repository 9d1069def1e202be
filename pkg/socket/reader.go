package socket

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"udpprobe/pkg/clock"
)

// readerPollPeriod bounds how long a stopped reader goroutine keeps waiting
// on its descriptor before noticing the stop request.
const readerPollPeriod = 50 * time.Millisecond

// DecodeFunc decodes the fixed-layout prefix of a datagram into T. Bytes
// beyond the prefix are opaque payload.
type DecodeFunc[T any] func(*T, []byte) error

type Packet[T any] struct {
	Data    T
	WireLen int
	Rx      time.Duration
	From    unix.Sockaddr
	Err     error
}

// NewReader returns a blocking read function bound to fd. The receive buffer
// is owned by the returned closure and reused across calls; only the decoded
// prefix escapes.
func NewReader[T any](fd int, clk clock.Clock, decode DecodeFunc[T]) func() Packet[T] {
	buf := make([]byte, MaxDatagramLen)

	return func() Packet[T] {
		var p Packet[T]
		n, _, _, from, err := unix.Recvmsg(fd, buf, nil, 0)
		if err != nil {
			p.Err = fmt.Errorf("recvmsg: %w", err)
			return p
		}
		p.Rx = clk.Now()
		p.From = from
		p.WireLen = n
		p.Err = decode(&p.Data, buf[:n])
		return p
	}
}

// NewAsyncReader drains fd on a dedicated goroutine and delivers each
// datagram on the returned channel. Decode failures are delivered with Err
// set and reading continues; a read failure is delivered and then the
// channel is closed. stop terminates the goroutine and waits for it: once
// stop returns the descriptor is no longer touched and the caller may close
// it. stop must be called exactly once; it also closes the channel.
func NewAsyncReader[T any](fd int, clk clock.Clock, decode DecodeFunc[T], depth int) (ch <-chan Packet[T], stop func()) {
	out := make(chan Packet[T], depth)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		read := NewReader(fd, clk, decode)
		pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			select {
			case <-quit:
				return
			default:
			}
			timeout := unix.NsecToTimespec(readerPollPeriod.Nanoseconds())
			n, err := unix.Ppoll(pollFds, &timeout, nil)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				select {
				case out <- Packet[T]{Err: fmt.Errorf("ppoll: %w", err)}:
				case <-quit:
				}
				return
			}
			if n < 1 {
				continue
			}
			p := read()
			if p.Err != nil && p.From == nil {
				if errors.Is(p.Err, unix.EINTR) {
					continue
				}
				select {
				case out <- p:
				case <-quit:
				}
				return
			}
			select {
			case out <- p:
			case <-quit:
				return
			}
		}
	}()
	return out, func() {
		close(quit)
		<-done
	}
}
