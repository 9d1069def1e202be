// Package sender emits timestamped, sequence-numbered packets at a target
// bit rate. The pacing schedule is anchored to the start of the run so that
// per-packet scheduling error does not accumulate into long-term drift.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/wire"
)

const (
	sendAttempts   = 5
	behindWarnAt   = 100 * time.Millisecond
	progressPeriod = 1000
)

// ErrBufferExhausted marks a packet given up on after repeated transient
// send failures. The sequence number still advances so the receiver's gap
// detector observes the drop.
var ErrBufferExhausted = errors.New("send buffer exhausted")

type Config struct {
	BitRate    int64         // bits per second
	PacketSize int           // bytes on the wire, including the header
	Offset     float64       // clock offset from synchronization, seconds
	Duration   time.Duration // how long to keep sending
}

type Totals struct {
	Sent    uint64
	Dropped uint64
}

// Interval is the nominal gap between packet starts at the target rate.
func Interval(packetSize int, bitRate int64) time.Duration {
	return time.Duration(float64(packetSize*8) / float64(bitRate) * float64(time.Second))
}

type Sender struct {
	fd  int
	clk clock.Clock
	log *zap.Logger
	cfg Config
}

// New wraps a connected socket.
func New(fd int, clk clock.Clock, log *zap.Logger, cfg Config) *Sender {
	return &Sender{fd: fd, clk: clk, log: log, cfg: cfg}
}

// Run sends until the clock reaches start plus the configured duration. The
// loop is time-bounded, not count-bounded: how many packets go out depends
// on the achieved rate and scheduling jitter.
func (s *Sender) Run(ctx context.Context) (Totals, error) {
	interval := Interval(s.cfg.PacketSize, s.cfg.BitRate)
	buf := make([]byte, s.cfg.PacketSize)

	start := s.clk.Now()
	end := start + s.cfg.Duration

	var (
		totals Totals
		seq    uint32
	)
	for s.clk.Now() < end {
		select {
		case <-ctx.Done():
			s.log.Info("send loop cancelled", zap.Uint64("sent", totals.Sent))
			return totals, nil
		default:
		}

		hdr := wire.Header{
			Seq:          seq,
			SendTime:     clock.Seconds(s.clk.Now()),
			Offset:       s.cfg.Offset,
			DeclaredSize: uint32(s.cfg.PacketSize),
		}
		if err := wire.EncodeHeader(buf, &hdr); err != nil {
			return totals, err
		}

		switch err := s.send(buf); {
		case err == nil:
			totals.Sent++
		case errors.Is(err, ErrBufferExhausted):
			totals.Dropped++
			s.log.Warn("packet dropped after send retries", zap.Uint32("seq", seq))
		default:
			return totals, err
		}

		if seq%progressPeriod == 0 {
			s.log.Info("send progress",
				zap.Uint32("seq", seq),
				zap.Duration("remaining", end-s.clk.Now()))
		}
		seq++

		next := start + time.Duration(int64(seq))*interval
		now := s.clk.Now()
		if now < next {
			s.clk.Sleep(next - now)
		} else if now-next > behindWarnAt {
			s.log.Warn("falling behind schedule", zap.Duration("behind", now-next))
		}
	}

	return totals, nil
}

func (s *Sender) send(buf []byte) error {
	for attempt := 1; ; attempt++ {
		err := unix.Sendto(s.fd, buf, 0, nil)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("send: %w", err)
		}
		if attempt >= sendAttempts {
			return ErrBufferExhausted
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.EINTR)
}
