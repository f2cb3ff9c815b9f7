package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dottask/pkg/agent"
	"github.com/dotsetgreg/dottask/pkg/bus"
	"github.com/dotsetgreg/dottask/pkg/channels"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/gateway"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

// serveCmd runs the agent with its scheduler, chat channels and the HTTP
// gateway until interrupted.
func serveCmd(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error:\n%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := gateway.NewHub()
	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	rt, err := openRuntime(ctx, cfg, runtimeOptions{
		requireLLM: true,
		customize: func(d *agent.Deps) {
			d.Bus = msgBus
			d.Notify = func(u agent.Update) { hub.Broadcast(u) }
			d.ActiveClients = hub.Count
		},
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	hub.OnChange(func(active int) {
		rt.metrics.SetLiveClients(active)
		rt.agent.ClientsChanged()
	})

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	if err := channelManager.StartAll(ctx); err != nil {
		return err
	}
	defer channelManager.StopAll(context.Background())

	var enabled []string
	for name := range channelManager.Status() {
		enabled = append(enabled, name)
	}
	sort.Strings(enabled)
	if len(enabled) == 0 {
		enabled = []string{"none"}
	}

	srv := gateway.NewServer(cfg.Gateway, rt.agent, hub, rt.metrics)
	fmt.Printf("✓ Instance: %s\n", rt.agent.ID())
	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	fmt.Printf("✓ Gateway started on http://%s (API under /api/v1, live updates on /ws)\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.agent.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	fmt.Println("\nShutting down...")
	logger.InfoC("dottask", "Shutdown complete")
	if err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}
