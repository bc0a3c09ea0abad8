package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mysqlrouter/routerd/internal/api"
	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/health"
	"github.com/mysqlrouter/routerd/internal/metrics"
	"github.com/mysqlrouter/routerd/internal/pool"
	"github.com/mysqlrouter/routerd/internal/proxy"
	"github.com/mysqlrouter/routerd/internal/router"
)

const (
	healthCheckInterval = 5 * time.Second
	healthFailThreshold = 3
	healthCheckTimeout  = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/routerd.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("routerd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d routes)", *configPath, len(cfg.Routes))

	m := metrics.New()
	r := router.New(cfg)
	pm := pool.NewManager(cfg.Defaults.MaxPooledConnections, cfg.Defaults.IdleTimeout)
	hc := health.NewChecker(r, m, healthCheckInterval, healthFailThreshold, healthCheckTimeout)
	dyn := config.NewDynamicConfig()

	hc.Start()

	proxyServer := proxy.NewServer(r, pm, hc, m)
	proxyServer.StartPoolStatsLoop(5 * time.Second)
	for name, rt := range cfg.Routes {
		if rt.IsMetadataCache() {
			log.Printf("route %q uses a metadata-cache destination, skipping direct listener", name)
			continue
		}
		if err := proxyServer.ListenRoute(name, rt); err != nil {
			log.Fatalf("failed to start listener for route %q: %v", name, err)
		}
	}

	apiServer := api.NewServer(r, pm, hc, m, dyn, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		r.Reload(newCfg)
		for name, rt := range newCfg.Routes {
			if rt.IsMetadataCache() {
				continue
			}
			if err := proxyServer.ListenRoute(name, rt); err != nil {
				log.Printf("warning: failed to start listener for new route %q: %v", name, err)
			}
		}
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("routerd ready - API:%d, %d routes listening", cfg.Listen.APIPort, len(cfg.Routes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		if err := configWatcher.Stop(); err != nil {
			log.Printf("error stopping config watcher: %v", err)
		}
	}
	if err := apiServer.Stop(); err != nil {
		log.Printf("error stopping API server: %v", err)
	}
	proxyServer.Stop()
	hc.Stop()
	pm.Close()

	log.Printf("routerd stopped")
}
