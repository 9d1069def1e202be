package receiver

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/stats"
	"udpprobe/pkg/wire"
)

const (
	latencyWindowSamples = 4096
	histMinMicros        = 1
	histMaxMicros        = 10_000_000
	histSigFigures       = 3
)

// Analyzer is the per-run measurement state: sequence continuity, byte and
// packet counters, and the current throughput window. It is pure arithmetic;
// all clock readings are supplied by the caller.
type Analyzer struct {
	lastSeq      int64 // -1 until the first packet
	totalGaps    uint64
	reordered    uint64
	totalPackets uint64
	totalBytes   uint64

	start       time.Duration
	windowStart time.Duration
	windowBytes uint64

	latency *stats.Running[time.Duration]
	hist    *hdrhistogram.Histogram
}

func NewAnalyzer(start time.Duration) *Analyzer {
	return &Analyzer{
		lastSeq:     -1,
		start:       start,
		windowStart: start,
		latency:     stats.New[time.Duration](latencyWindowSamples),
		hist:        hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigures),
	}
}

// PacketInfo reports what a single arrival did to the state, for logging.
type PacketInfo struct {
	Latency      time.Duration
	NewGaps      uint64
	Reordered    bool
	SizeMismatch bool
}

// Record accounts for one decoded packet received at rx.
//
// Gap rule: gaps grow by the number of skipped sequence numbers on every
// in-order-or-later arrival. Arrivals with seq <= lastSeq are counted as
// reordered and never move lastSeq backward or shrink the gap total, which
// can undercount true loss under reordering.
func (a *Analyzer) Record(hdr *wire.Header, wireLen int, rx time.Duration) PacketInfo {
	var info PacketInfo

	seq := int64(hdr.Seq)
	switch {
	case a.lastSeq < 0:
		a.lastSeq = seq
	case seq > a.lastSeq:
		if gap := uint64(seq - a.lastSeq - 1); gap > 0 {
			a.totalGaps += gap
			info.NewGaps = gap
		}
		a.lastSeq = seq
	default:
		a.reordered++
		info.Reordered = true
	}

	a.totalPackets++
	a.totalBytes += uint64(wireLen)
	a.windowBytes += uint64(wireLen)

	info.Latency = rx - clock.Duration(hdr.SendTime+hdr.Offset)
	a.latency.Add(info.Latency)
	micros := info.Latency.Microseconds()
	if micros < 0 {
		micros = -micros
	}
	// clamp to the histogram's range so extreme outliers still land in
	// the top bucket instead of vanishing from the percentiles
	if micros < histMinMicros {
		micros = histMinMicros
	} else if micros > histMaxMicros {
		micros = histMaxMicros
	}
	_ = a.hist.RecordValue(micros)

	info.SizeMismatch = int(hdr.DeclaredSize) != wireLen
	return info
}

// Sample is one throughput window.
type Sample struct {
	WindowStart time.Duration
	WindowEnd   time.Duration
	Instant     float64 // bits per second over the window
	Average     float64 // bits per second since the run started
}

// MaybeSample closes the current window if at least the sampling period has
// elapsed. Rates are computed over the actual elapsed time, not the nominal
// period.
func (a *Analyzer) MaybeSample(now time.Duration, period time.Duration) (Sample, bool) {
	elapsed := now - a.windowStart
	if elapsed < period {
		return Sample{}, false
	}
	s := Sample{
		WindowStart: a.windowStart - a.start,
		WindowEnd:   now - a.start,
		Instant:     float64(a.windowBytes) * 8 / elapsed.Seconds(),
		Average:     float64(a.totalBytes) * 8 / (now - a.start).Seconds(),
	}
	a.windowBytes = 0
	a.windowStart = now
	return s, true
}

// Summary is the end-of-run aggregate.
type Summary struct {
	Packets    uint64
	Bytes      uint64
	Gaps       uint64
	Reordered  uint64
	LatencyAvg time.Duration
	LatencySD  time.Duration
	P50        time.Duration
	P90        time.Duration
	P99        time.Duration
}

func (a *Analyzer) Summary() Summary {
	return Summary{
		Packets:    a.totalPackets,
		Bytes:      a.totalBytes,
		Gaps:       a.totalGaps,
		Reordered:  a.reordered,
		LatencyAvg: a.latency.Mean(),
		LatencySD:  a.latency.StdDev(),
		P50:        time.Duration(a.hist.ValueAtQuantile(50)) * time.Microsecond,
		P90:        time.Duration(a.hist.ValueAtQuantile(90)) * time.Microsecond,
		P99:        time.Duration(a.hist.ValueAtQuantile(99)) * time.Microsecond,
	}
}

func (a *Analyzer) TotalGaps() uint64    { return a.totalGaps }
func (a *Analyzer) TotalPackets() uint64 { return a.totalPackets }
func (a *Analyzer) TotalBytes() uint64   { return a.totalBytes }
func (a *Analyzer) LastSeq() int64       { return a.lastSeq }
