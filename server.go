package main

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"udpprobe/pkg/clock"
	"udpprobe/pkg/receiver"
	"udpprobe/pkg/socket"
)

// runServer binds the sync and data endpoints and drains both until
// interrupted. Bind failures are fatal before the loop starts.
func runServer(ctx context.Context, log *zap.Logger, conf Config) error {
	clk := clock.System()

	syncFd, err := socket.NewUDP()
	if err != nil {
		return err
	}
	defer socket.Close(syncFd)
	if err := socket.Bind(syncFd, &net.UDPAddr{Port: conf.SyncPort}); err != nil {
		return err
	}

	dataFd, err := socket.NewUDP()
	if err != nil {
		return err
	}
	defer socket.Close(dataFd)
	if err := socket.Bind(dataFd, &net.UDPAddr{Port: conf.DataPort}); err != nil {
		return err
	}

	log.Info("listening",
		zap.Int("sync_port", conf.SyncPort),
		zap.Int("data_port", conf.DataPort))

	if conf.MonitorAddr != "" {
		go runMonitor(log, conf.MonitorAddr)
	}

	rcv := receiver.New(syncFd, dataFd, clk, log, prometheus.DefaultRegisterer, receiver.Config{})
	err = rcv.Run(ctx)

	s := rcv.Analyzer().Summary()
	log.Info("run summary",
		zap.Uint64("packets", s.Packets),
		zap.Uint64("bytes", s.Bytes),
		zap.Uint64("gaps", s.Gaps),
		zap.Uint64("reordered", s.Reordered),
		zap.Duration("latency_avg", s.LatencyAvg),
		zap.Duration("latency_sd", s.LatencySD),
		zap.Duration("latency_p50", s.P50),
		zap.Duration("latency_p90", s.P90),
		zap.Duration("latency_p99", s.P99))
	return err
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Error("failed to serve metrics", zap.Error(err))
}
