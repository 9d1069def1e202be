package receiver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/receiver"
	"udpprobe/pkg/sender"
	"udpprobe/pkg/socket"
	"udpprobe/pkg/timesync"
	"udpprobe/pkg/wire"
)

// settleTime gives the run loop a chance to drain loopback queues before the
// analyzer is inspected. The analyzer is only read after Run has returned.
const settleTime = 300 * time.Millisecond

var loopback = net.IPv4(127, 0, 0, 1)

func bindEphemeral(t *testing.T) (fd, port int) {
	t.Helper()
	fd, err := socket.NewUDP()
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close(fd) })
	require.NoError(t, socket.Bind(fd, &net.UDPAddr{IP: loopback}))
	port, err = socket.LocalPort(fd)
	require.NoError(t, err)
	return fd, port
}

func connectTo(t *testing.T, port int) int {
	t.Helper()
	fd, err := socket.NewUDP()
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close(fd) })
	require.NoError(t, socket.Connect(fd, &net.UDPAddr{IP: loopback, Port: port}))
	return fd
}

func startReceiver(t *testing.T, samples chan receiver.Sample) (*receiver.Receiver, int, int, func()) {
	t.Helper()
	syncFd, syncPort := bindEphemeral(t)
	dataFd, dataPort := bindEphemeral(t)

	cfg := receiver.Config{}
	if samples != nil {
		cfg.OnSample = func(s receiver.Sample) { samples <- s }
	}
	rcv := receiver.New(syncFd, dataFd, clock.System(), zap.NewNop(), prometheus.NewRegistry(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rcv.Run(ctx) }()

	stop := func() {
		time.Sleep(settleTime)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("receiver did not stop")
		}
	}
	return rcv, syncPort, dataPort, stop
}

func TestReceiverCountsDataPackets(t *testing.T) {
	rcv, _, dataPort, stop := startReceiver(t, nil)
	cli := connectTo(t, dataPort)

	buf := make([]byte, 100)
	for seq := uint32(0); seq < 5; seq++ {
		hdr := wire.Header{Seq: seq, DeclaredSize: 100}
		require.NoError(t, wire.EncodeHeader(buf, &hdr))
		require.NoError(t, unix.Sendto(cli, buf, 0, nil))
	}
	stop()

	a := rcv.Analyzer()
	assert.EqualValues(t, 5, a.TotalPackets())
	assert.EqualValues(t, 500, a.TotalBytes())
	assert.EqualValues(t, 0, a.TotalGaps())
	assert.EqualValues(t, 4, a.LastSeq())
}

func TestReceiverDetectsGaps(t *testing.T) {
	rcv, _, dataPort, stop := startReceiver(t, nil)
	cli := connectTo(t, dataPort)

	buf := make([]byte, 100)
	for _, seq := range []uint32{0, 1, 2, 5, 6} {
		hdr := wire.Header{Seq: seq, DeclaredSize: 100}
		require.NoError(t, wire.EncodeHeader(buf, &hdr))
		require.NoError(t, unix.Sendto(cli, buf, 0, nil))
	}
	stop()

	assert.EqualValues(t, 2, rcv.Analyzer().TotalGaps())
}

func TestReceiverDiscardsShortPackets(t *testing.T) {
	rcv, _, dataPort, stop := startReceiver(t, nil)
	cli := connectTo(t, dataPort)

	// shorter than the header: logged and dropped, state untouched
	require.NoError(t, unix.Sendto(cli, make([]byte, wire.HeaderLen-1), 0, nil))

	buf := make([]byte, wire.MinPacketLen)
	hdr := wire.Header{Seq: 0, DeclaredSize: wire.MinPacketLen}
	require.NoError(t, wire.EncodeHeader(buf, &hdr))
	require.NoError(t, unix.Sendto(cli, buf, 0, nil))
	stop()

	a := rcv.Analyzer()
	assert.EqualValues(t, 1, a.TotalPackets())
	assert.EqualValues(t, wire.MinPacketLen, a.TotalBytes())
	assert.EqualValues(t, 0, a.LastSeq())
}

func TestReceiverAnswersSyncWhileDraining(t *testing.T) {
	_, syncPort, dataPort, stop := startReceiver(t, nil)

	dataCli := connectTo(t, dataPort)
	buf := make([]byte, 200)
	hdr := wire.Header{Seq: 0, DeclaredSize: 200}
	require.NoError(t, wire.EncodeHeader(buf, &hdr))
	require.NoError(t, unix.Sendto(dataCli, buf, 0, nil))

	syncCli := connectTo(t, syncPort)
	s := timesync.NewSynchronizer(syncCli, clock.System(), zap.NewNop(), time.Second, 1)
	res, err := s.Synchronize()
	require.NoError(t, err)
	assert.Greater(t, res.Delay, 0.0)

	stop()
}

func TestEndToEnd(t *testing.T) {
	samples := make(chan receiver.Sample, 16)
	rcv, syncPort, dataPort, stop := startReceiver(t, samples)
	clk := clock.System()

	syncCli := connectTo(t, syncPort)
	sync := timesync.NewSynchronizer(syncCli, clk, zap.NewNop(), time.Second, 1)
	res, err := sync.Synchronize()
	require.NoError(t, err)

	dataCli := connectTo(t, dataPort)
	snd := sender.New(dataCli, clk, zap.NewNop(), sender.Config{
		BitRate:    2_000_000,
		PacketSize: 500,
		Offset:     res.Offset,
		Duration:   1200 * time.Millisecond,
	})
	totals, err := snd.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, totals.Sent, uint64(0))
	stop()

	a := rcv.Analyzer()
	assert.Greater(t, a.TotalPackets(), uint64(0))
	assert.LessOrEqual(t, a.TotalPackets()+a.TotalGaps(), totals.Sent)
	assert.EqualValues(t, a.TotalPackets()*500, a.TotalBytes())

	// at least one throughput window closed during a >1s run
	select {
	case s := <-samples:
		assert.Greater(t, s.Instant, 0.0)
		assert.Greater(t, s.Average, 0.0)
	default:
		t.Fatal("no throughput sample emitted")
	}

	// loopback latency with a same-clock offset estimate stays small
	sum := a.Summary()
	assert.Less(t, sum.LatencyAvg, 250*time.Millisecond)
	assert.Greater(t, sum.LatencyAvg, -250*time.Millisecond)
}
