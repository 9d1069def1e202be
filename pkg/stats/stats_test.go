package stats_test

import (
	"encoding/binary"
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"udpprobe/pkg/stats"
)

// reference computes exact mean and sample standard deviation with big.Rat.
func reference(samples []int64) (mean, stdDev int64) {
	n := int64(len(samples))
	ti := new(big.Int)
	tr := new(big.Rat)

	sum := new(big.Int)
	for _, s := range samples {
		sum.Add(sum, ti.SetInt64(s))
	}
	avg := new(big.Rat).SetFrac(sum, ti.SetInt64(n))

	sumSqDev := new(big.Rat)
	for _, s := range samples {
		sumSqDev.Add(sumSqDev, tr.SetInt64(s).Sub(tr, avg).Mul(tr, tr))
	}
	mean = ti.Div(avg.Num(), avg.Denom()).Int64()
	if n < 2 {
		return mean, 0
	}
	tr.Quo(sumSqDev, tr.SetInt64(n-1))
	stdDev = ti.Div(tr.Num(), tr.Denom()).Sqrt(ti).Int64()
	return mean, stdDev
}

func TestMeanAndStdDev(t *testing.T) {
	for _, samples := range [][]int64{
		{5},
		{1, 1, 1, 1},
		{-10, 10},
		{3, 7, 7, 19},
		{1e9, 2e9, 3e9}, // nanosecond-scale latencies
	} {
		s := stats.New[int64](1000)
		for _, x := range samples {
			s.Add(x)
		}
		wantMean, wantSD := reference(samples)
		assert.Equal(t, len(samples), s.Count())
		assert.Equal(t, wantMean, s.Mean(), "samples %v", samples)
		assert.Equal(t, wantSD, s.StdDev(), "samples %v", samples)
	}
}

func TestWindowEviction(t *testing.T) {
	s := stats.New[int64](3)
	for _, x := range []int64{100, 1, 2, 3} {
		s.Add(x)
	}
	// the first sample fell out of the window
	assert.Equal(t, 3, s.Count())
	wantMean, wantSD := reference([]int64{1, 2, 3})
	assert.Equal(t, wantMean, s.Mean())
	assert.Equal(t, wantSD, s.StdDev())
}

func TestEmpty(t *testing.T) {
	s := stats.New[int64](10)
	assert.Equal(t, 0, s.Count())
	assert.EqualValues(t, 0, s.Mean())
	assert.EqualValues(t, 0, s.StdDev())
}

func core(t *testing.T, offset int64, raw []byte) {
	if len(raw) < 2 {
		return
	}
	samples := make([]int64, len(raw))
	s := stats.New[int64](len(raw))
	for i, b := range raw {
		samples[i] = int64(b) + offset
		s.Add(samples[i])
	}
	wantMean, wantSD := reference(samples)
	assert.Equal(t, wantMean, s.Mean())
	assert.Equal(t, wantSD, s.StdDev())
}

func Fuzz_Core(f *testing.F) {
	for _, i := range []int64{-255, -127, 0, 127} {
		buf := make([]byte, 4)
		binary.NativeEndian.PutUint32(buf, rand.Uint32())
		f.Add(i, buf)
	}
	f.Fuzz(core)
}
