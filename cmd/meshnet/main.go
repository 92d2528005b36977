// Command meshnet runs a single mesh node: it loads configuration, opens
// every configured transport, and keeps the node running until interrupted.
// Structured after the teacher's run.go: flag-driven config override,
// WaitGroup-tracked background work, startup/shutdown log lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meshnet/config"
	"meshnet/internal/telemetry"
	"meshnet/node"
	"meshnet/transport"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	log := telemetry.New(telemetry.Options{
		Level:   config.GlobalCfg.Log.Level,
		Path:    config.GlobalCfg.Log.Path,
		Console: true,
	})
	defer log.Sync()

	log.Info(platformBanner())

	n, err := node.New(config.GlobalCfg.LocalID, log)
	if err != nil {
		log.Fatal("invalid node id", zap.Error(err))
	}

	ackTimeout := transport.DefaultAckTimeout
	if config.GlobalCfg.AckTimeout > 0 {
		ackTimeout = time.Duration(config.GlobalCfg.AckTimeout) * time.Second
	}

	for _, entry := range config.GlobalCfg.Transports {
		stream, err := openTransport(entry)
		if err != nil {
			log.Error("failed to open transport, skipping", zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		n.AddLink(entry.Name, stream, ackTimeout)
		log.Info("transport opened: " + entry.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := n.StartNetwork(ctx); err != nil {
		log.Fatal("failed to start network", zap.Error(err))
	}
	log.Info("meshnet running, press ctrl-c to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	n.StopNetwork()
}

func openTransport(entry *config.TransportEntry) (transport.Stream, error) {
	switch entry.Kind {
	case "uart":
		cfg := transport.DefaultUARTConfig(entry.Port)
		if entry.Baud > 0 {
			cfg.Baud = entry.Baud
		}
		return transport.OpenUART(cfg)
	case "i2c":
		if err := transport.InitPlatform(); err != nil {
			return nil, err
		}
		return transport.OpenI2C(entry.Bus, entry.Address, 64)
	case "spi":
		if err := transport.InitPlatform(); err != nil {
			return nil, err
		}
		return transport.OpenSPI(entry.SPIPort, 1000000, 0)
	case "quicsim_dial":
		return transport.DialQUICSim(context.Background(), entry.Addr)
	case "quicsim_listen":
		return transport.ListenQUICSim(context.Background(), entry.Addr)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", entry.Kind)
	}
}
