// udpprobe is a two-sided UDP measurement probe. The client synchronizes
// its clock with the server, then streams timestamped, sequence-numbered
// packets at a configured bit rate; the server measures one-way latency,
// packet loss, and windowed throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainErr() error {
	var (
		serve      bool
		verbose    bool
		configFile string
	)
	cli := defaultConfig()

	flag.BoolVar(&serve, "serve", false, "server mode")
	flag.BoolVar(&verbose, "verbose", false, "enable debug output")
	flag.StringVar(&configFile, "config", "", "TOML configuration file")
	flag.StringVar(&cli.ServerAddr, "i", cli.ServerAddr, "server IPv4 address")
	flag.Int64Var(&cli.BitRate, "b", cli.BitRate, "target bit rate (bits/s)")
	flag.IntVar(&cli.PacketSize, "s", cli.PacketSize, "packet size (bytes)")
	flag.IntVar(&cli.DurationSec, "t", cli.DurationSec, "test duration (seconds)")
	flag.IntVar(&cli.SyncPort, "sync-port", cli.SyncPort, "clock synchronization port")
	flag.IntVar(&cli.DataPort, "data-port", cli.DataPort, "data stream port")
	flag.IntVar(&cli.SyncSamples, "sync-samples", cli.SyncSamples, "synchronization exchanges to run, keeping the lowest-delay one")
	flag.DurationVar(&cli.SyncTimeout, "sync-timeout", cli.SyncTimeout, "wait bound for the synchronization reply")
	flag.StringVar(&cli.MonitorAddr, "monitor", cli.MonitorAddr, "listen address for Prometheus metrics (server mode, empty disables)")
	flag.Parse()

	conf := defaultConfig()
	if configFile != "" {
		if err := loadConfigFile(configFile, &conf); err != nil {
			return err
		}
	}
	// flags beat the config file, but only the ones actually given
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			conf.ServerAddr = cli.ServerAddr
		case "b":
			conf.BitRate = cli.BitRate
		case "s":
			conf.PacketSize = cli.PacketSize
		case "t":
			conf.DurationSec = cli.DurationSec
		case "sync-port":
			conf.SyncPort = cli.SyncPort
		case "data-port":
			conf.DataPort = cli.DataPort
		case "sync-samples":
			conf.SyncSamples = cli.SyncSamples
		case "sync-timeout":
			conf.SyncTimeout = cli.SyncTimeout
		case "monitor":
			conf.MonitorAddr = cli.MonitorAddr
		}
	})

	if err := conf.validate(serve); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := initLogger(verbose)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if serve {
		return runServer(ctx, log, conf)
	}
	return runClient(ctx, log, conf)
}

func initLogger(verbose bool) *zap.Logger {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := c.Build()
	if err != nil {
		panic(err)
	}
	return log
}
