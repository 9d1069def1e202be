// Package receiver implements the server side of the probe: it answers
// clock synchronization requests, decodes the data stream, and derives
// per-packet latency, sequence continuity, and windowed throughput.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ddirect/container/ttlmap"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/socket"
	"udpprobe/pkg/timesync"
	"udpprobe/pkg/wire"
)

const (
	chanDepth   = 16
	tracePeriod = 1000
	clientTTL   = time.Minute
	clientSweep = time.Second
)

// SampleFunc receives each closed throughput window.
type SampleFunc func(Sample)

type Config struct {
	SamplePeriod time.Duration // throughput window length; default 1s
	OnSample     SampleFunc    // optional sink, called from the run loop
}

// Receiver drives both sockets from a single goroutine: sync requests, data
// packets, and the sampling timer are all arms of one select, so sampling
// never blocks socket handling.
type Receiver struct {
	syncFd    int
	dataFd    int
	clk       clock.Clock
	log       *zap.Logger
	cfg       Config
	mtrcs     *receiverMetrics
	responder *timesync.Responder
	analyzer  *Analyzer
}

// New wraps two bound sockets. The caller keeps ownership of the descriptors
// and closes them after Run returns.
func New(syncFd, dataFd int, clk clock.Clock, log *zap.Logger, reg prometheus.Registerer, cfg Config) *Receiver {
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = time.Second
	}
	return &Receiver{
		syncFd:    syncFd,
		dataFd:    dataFd,
		clk:       clk,
		log:       log,
		cfg:       cfg,
		mtrcs:     newReceiverMetrics(reg),
		responder: timesync.NewResponder(clk),
		analyzer:  NewAnalyzer(clk.Now()),
	}
}

// Analyzer exposes the measurement state. Not safe to use while Run is
// executing on another goroutine.
func (r *Receiver) Analyzer() *Analyzer {
	return r.analyzer
}

// Run blocks until ctx is cancelled or a socket fails.
func (r *Receiver) Run(ctx context.Context) error {
	syncCh, stopSync := socket.NewAsyncReader(r.syncFd, r.clk, wire.DecodeSync, chanDepth)
	defer stopSync()
	dataCh, stopData := socket.NewAsyncReader(r.dataFd, r.clk, wire.DecodeHeader, chanDepth)
	defer stopData()

	ticker := time.NewTicker(r.cfg.SamplePeriod)
	defer ticker.Stop()

	clients, expired := ttlmap.New[string, time.Duration](clientTTL, clientSweep)

	for {
		select {
		case <-ctx.Done():
			return nil

		case keys := <-expired:
			for c := range keys {
				r.log.Info("client expired", zap.String("client", c.Key()))
			}

		case p, ok := <-syncCh:
			if !ok {
				return errors.New("sync reader terminated")
			}
			if err := r.handleSync(p); err != nil {
				return err
			}

		case p, ok := <-dataCh:
			if !ok {
				return errors.New("data reader terminated")
			}
			if p.Err == nil {
				c, found := clients.GetOrCreate(socket.AddrToString(p.From))
				if !found {
					r.log.Info("new client", zap.String("client", c.Key()))
				}
				c.Value = p.Rx
			}
			if err := r.handleData(p); err != nil {
				return err
			}

		case <-ticker.C:
			if s, ok := r.analyzer.MaybeSample(r.clk.Now(), r.cfg.SamplePeriod); ok {
				r.log.Info("throughput sample",
					zap.Duration("window_start", s.WindowStart),
					zap.Duration("window_end", s.WindowEnd),
					zap.Float64("instant_mbps", s.Instant/1e6),
					zap.Float64("average_mbps", s.Average/1e6))
				if r.cfg.OnSample != nil {
					r.cfg.OnSample(s)
				}
			}
		}
	}
}

func (r *Receiver) handleSync(p socket.Packet[wire.SyncMessage]) error {
	if p.Err != nil {
		if p.From == nil {
			return fmt.Errorf("sync socket: %w", p.Err)
		}
		r.log.Warn("discarding sync request",
			zap.Error(p.Err),
			zap.String("from", socket.AddrToString(p.From)))
		return nil
	}

	resp := r.responder.Answer(&p.Data, p.Rx)
	var buf [wire.SyncMessageLen]byte
	if err := wire.EncodeSync(buf[:], &resp); err != nil {
		return err
	}
	if err := unix.Sendto(r.syncFd, buf[:], 0, p.From); err != nil {
		r.log.Warn("failed to send sync reply", zap.Error(err))
		return nil
	}
	r.mtrcs.syncReqs.Inc()
	r.log.Debug("answered sync request",
		zap.String("from", socket.AddrToString(p.From)),
		zap.Float64("t2", resp.T2),
		zap.Float64("t3", resp.T3))
	return nil
}

func (r *Receiver) handleData(p socket.Packet[wire.Header]) error {
	if p.Err != nil {
		if p.From == nil {
			return fmt.Errorf("data socket: %w", p.Err)
		}
		if errors.Is(p.Err, wire.ErrShortPacket) {
			r.mtrcs.shortPkts.Inc()
			r.log.Warn("discarding short packet",
				zap.Int("wire_len", p.WireLen),
				zap.String("from", socket.AddrToString(p.From)))
			return nil
		}
		r.log.Warn("discarding undecodable packet", zap.Error(p.Err))
		return nil
	}

	info := r.analyzer.Record(&p.Data, p.WireLen, p.Rx)
	r.mtrcs.pktsReceived.Inc()
	r.mtrcs.bytesRecvd.Add(float64(p.WireLen))
	if info.NewGaps > 0 {
		r.mtrcs.seqGaps.Add(float64(info.NewGaps))
		r.log.Debug("sequence gap detected",
			zap.Uint64("missing", info.NewGaps),
			zap.Uint32("seq", p.Data.Seq))
	}
	if info.Reordered {
		r.mtrcs.reordered.Inc()
	}
	if info.SizeMismatch {
		r.log.Warn("declared size differs from wire length",
			zap.Uint32("declared", p.Data.DeclaredSize),
			zap.Int("wire_len", p.WireLen))
	}
	if p.Data.Seq%tracePeriod == 0 {
		r.log.Debug("packet trace",
			zap.String("from", socket.AddrToString(p.From)),
			zap.Uint32("seq", p.Data.Seq),
			zap.Float64("send_ts", p.Data.SendTime),
			zap.Float64("offset", p.Data.Offset),
			zap.Int("wire_len", p.WireLen),
			zap.Duration("latency", info.Latency),
			zap.Uint64("total_gaps", r.analyzer.TotalGaps()))
	}
	return nil
}
