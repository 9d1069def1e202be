package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/sender"
	"udpprobe/pkg/socket"
	"udpprobe/pkg/timesync"
)

// runClient synchronizes the clock, then runs the rate-controlled send loop.
// A failed synchronization aborts the run: sending with a defaulted offset
// would silently corrupt every latency figure on the server.
func runClient(ctx context.Context, log *zap.Logger, conf Config) error {
	clk := clock.System()
	dest := net.ParseIP(conf.ServerAddr)

	offset, err := synchronize(clk, log, conf, dest)
	if err != nil {
		return fmt.Errorf("clock synchronization failed: %w", err)
	}

	dataFd, err := socket.NewUDP()
	if err != nil {
		return err
	}
	defer socket.Close(dataFd)
	if err := socket.Connect(dataFd, &net.UDPAddr{IP: dest, Port: conf.DataPort}); err != nil {
		return err
	}

	interval := sender.Interval(conf.PacketSize, conf.BitRate)
	log.Info("starting send loop",
		zap.String("destination", conf.ServerAddr),
		zap.Int("data_port", conf.DataPort),
		zap.Int64("bit_rate", conf.BitRate),
		zap.Int("packet_size", conf.PacketSize),
		zap.Duration("interval", interval),
		zap.Duration("duration", conf.duration()))

	snd := sender.New(dataFd, clk, log, sender.Config{
		BitRate:    conf.BitRate,
		PacketSize: conf.PacketSize,
		Offset:     offset,
		Duration:   conf.duration(),
	})
	totals, err := snd.Run(ctx)
	if err != nil {
		return fmt.Errorf("send loop: %w", err)
	}

	log.Info("test completed",
		zap.Uint64("packets_sent", totals.Sent),
		zap.Uint64("packets_dropped", totals.Dropped))
	return nil
}

func synchronize(clk clock.Clock, log *zap.Logger, conf Config, dest net.IP) (float64, error) {
	syncFd, err := socket.NewUDP()
	if err != nil {
		return 0, err
	}
	defer socket.Close(syncFd)
	if err := socket.Connect(syncFd, &net.UDPAddr{IP: dest, Port: conf.SyncPort}); err != nil {
		return 0, err
	}

	sync := timesync.NewSynchronizer(syncFd, clk, log, conf.SyncTimeout, conf.SyncSamples)
	res, err := sync.Synchronize()
	if err != nil {
		return 0, err
	}
	log.Info("clock synchronized",
		zap.Float64("offset_seconds", res.Offset),
		zap.Float64("round_trip_seconds", res.Delay))
	return res.Offset, nil
}
