// Package timesync implements the two-message clock synchronization
// exchange. The client sends its monotonic send time t1; the server stamps
// its receive time t2 and reply time t3 into the same message and echoes it;
// the client stamps t4 on receipt. From the four timestamps it estimates the
// offset between the two clocks and the round trip delay.
package timesync

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/wire"
)

var ErrSyncTimeout = errors.New("no synchronization reply within timeout")

// Result of a completed exchange, in seconds of the respective clocks.
// Offset is the server-clock-minus-client-clock estimate.
type Result struct {
	Offset float64
	Delay  float64
}

func Offset(t1, t2, t3, t4 float64) float64 {
	return ((t2 - t1) + (t3 - t4)) / 2
}

func RoundTripDelay(t1, t2, t3, t4 float64) float64 {
	return (t4 - t1) - (t3 - t2)
}

type Synchronizer struct {
	fd      int
	clk     clock.Clock
	log     *zap.Logger
	timeout time.Duration
	samples int
}

// NewSynchronizer wraps a connected socket. samples > 1 runs that many
// exchanges and keeps the one with the lowest round trip delay.
func NewSynchronizer(fd int, clk clock.Clock, log *zap.Logger, timeout time.Duration, samples int) *Synchronizer {
	if samples < 1 {
		samples = 1
	}
	return &Synchronizer{fd: fd, clk: clk, log: log, timeout: timeout, samples: samples}
}

// Synchronize returns the offset estimate. On failure the caller must abort
// the run; proceeding with a zero offset corrupts every latency figure.
func (s *Synchronizer) Synchronize() (Result, error) {
	var best Result
	for i := 0; i < s.samples; i++ {
		r, err := s.exchange()
		if err != nil {
			return Result{}, err
		}
		s.log.Debug("sync exchange",
			zap.Int("sample", i),
			zap.Float64("offset", r.Offset),
			zap.Float64("delay", r.Delay))
		if i == 0 || r.Delay < best.Delay {
			best = r
		}
	}
	return best, nil
}

func (s *Synchronizer) exchange() (Result, error) {
	var buf [wire.SyncMessageLen]byte
	msg := wire.SyncMessage{T1: clock.Seconds(s.clk.Now())}
	if err := wire.EncodeSync(buf[:], &msg); err != nil {
		return Result{}, err
	}
	if err := unix.Sendto(s.fd, buf[:], 0, nil); err != nil {
		return Result{}, fmt.Errorf("send sync request: %w", err)
	}

	deadline := s.clk.Now() + s.timeout
	for {
		remaining := deadline - s.clk.Now()
		if remaining <= 0 {
			return Result{}, ErrSyncTimeout
		}
		ts := unix.NsecToTimespec(int64(remaining))
		n, err := unix.Ppoll([]unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}, &ts, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Result{}, fmt.Errorf("ppoll: %w", err)
		}
		if n < 1 {
			return Result{}, ErrSyncTimeout
		}
		break
	}

	n, _, _, _, err := unix.Recvmsg(s.fd, buf[:], nil, 0)
	t4 := clock.Seconds(s.clk.Now())
	if err != nil {
		return Result{}, fmt.Errorf("receive sync reply: %w", err)
	}
	if err := wire.DecodeSync(&msg, buf[:n]); err != nil {
		return Result{}, err
	}
	return Result{
		Offset: Offset(msg.T1, msg.T2, msg.T3, t4),
		Delay:  RoundTripDelay(msg.T1, msg.T2, msg.T3, t4),
	}, nil
}

// Responder is the server half of the exchange.
type Responder struct {
	clk clock.Clock
}

func NewResponder(clk clock.Clock) *Responder {
	return &Responder{clk: clk}
}

// Answer fills the server timestamps into a received request. rx is the
// reading taken when the datagram arrived; t3 is stamped here, immediately
// before the caller sends the reply.
func (r *Responder) Answer(req *wire.SyncMessage, rx time.Duration) wire.SyncMessage {
	resp := *req
	resp.T2 = clock.Seconds(rx)
	resp.T3 = clock.Seconds(r.clk.Now())
	return resp
}
