// Command canscope connects to a CAN bus (real or virtual), opens a UDS
// session against one ECU address pair, and runs until interrupted,
// logging every frame it observes.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/diagcore/canscope/core"
	"github.com/diagcore/canscope/frame"
)

func main() {
	configPath := flag.String("config", "", "path to a KEY=VALUE config file (defaults to the built-in defaults)")
	txID := flag.Uint("tx", 0x7E0, "UDS request arbitration id")
	rxID := flag.Uint("rx", 0x7E8, "UDS response arbitration id")
	did := flag.Uint("did", 0xF190, "data identifier to read on startup (0 to skip)")
	flag.Parse()

	cfg := core.DefaultConfig()
	if *configPath != "" {
		loaded, err := core.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("canscope: %v", err)
		}
		cfg = loaded
	}

	c, err := core.New(cfg)
	if err != nil {
		log.Fatalf("canscope: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("canscope: connect: %v", err)
	}
	defer c.Disconnect()

	ep, err := c.RegisterIsoTp(uint32(*txID), uint32(*rxID), cfg.EnableFD)
	if err != nil {
		log.Fatalf("canscope: registering endpoint %#x/%#x: %v", *txID, *rxID, err)
	}

	frames, cancelSub := c.Subscribe(nil, cfg.BroadcastBuffer)
	defer cancelSub()
	go logTraffic(c.Logger(), frames)

	if *did != 0 {
		resp, err := ep.Client.ReadDID(ctx, uint16(*did))
		if err != nil {
			c.Logger().Warn("canscope: startup DID read failed", "did", *did, "err", err)
		} else {
			c.Logger().Info("canscope: startup DID read", "did", *did, "payload", resp.Payload)
		}
	}

	<-ctx.Done()
	c.Logger().Info("canscope: shutting down")
}

func logTraffic(log *slog.Logger, frames <-chan frame.CanFrame) {
	for f := range frames {
		log.Info("frame", "frame", f.String())
	}
}
