// Command proxyhaven is the composition root: it loads configuration, opens
// the catalog, wires the geolocation/validation/pipeline/lifecycle/gateway
// components together, and runs one of a handful of operating modes
// selected by flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/config"
	"github.com/resin-proxy/proxyhaven/internal/gateway"
	"github.com/resin-proxy/proxyhaven/internal/geoip"
	"github.com/resin-proxy/proxyhaven/internal/lifecycle"
	"github.com/resin-proxy/proxyhaven/internal/liveness"
	"github.com/resin-proxy/proxyhaven/internal/pipeline"
	"github.com/resin-proxy/proxyhaven/internal/subnetintel"
	"github.com/resin-proxy/proxyhaven/internal/validator"
)

func main() {
	flag.Bool("serve", false, "start the rotating gateway (default mode, implied when no other mode flag is given)")
	monitor := flag.Bool("monitor", false, "run the lifecycle engine as a foreground daemon")
	reverify := flag.Bool("reverify", false, "one-shot re-verification and cleanup of the catalog, then exit")
	importFile := flag.String("import-file", "", "parse and validate candidates from a file, then exit")
	smartConfig := flag.Bool("smart-config", false, "print a scan spec derived from the catalog's top subnets, then exit")
	flag.Parse()

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("config: %v", err)
	}

	store, err := catalog.OpenStore(envCfg.DatabasePath)
	if err != nil {
		fatalf("catalog: %v", err)
	}
	defer store.Close()

	switch {
	case *smartConfig:
		runSmartConfig(store)
		return
	case *reverify:
		runReverify(envCfg, store)
		return
	case *importFile != "":
		runImport(envCfg, store, *importFile)
		return
	case *monitor:
		runMonitor(envCfg, store)
		return
	default:
		runServe(envCfg, store)
	}
}

func runSmartConfig(store *catalog.Store) {
	gen := subnetintel.New(store)
	spec, err := gen.GenerateCombined(context.Background(), "")
	if err != nil {
		fatalf("smart-config: %v", err)
	}
	fmt.Printf("rate=%d ports=%v cidrs=%v\n", spec.Rate, spec.Ports, spec.CIDRs)
}

func newValidator(ctx context.Context, envCfg *config.EnvConfig) *validator.Validator {
	var offline geoip.OfflineReader
	if envCfg.GeoIPOfflineDBPath != "" {
		mmdb := geoip.NewMMDBService(geoip.MMDBConfig{
			CacheDir:       filepath.Dir(envCfg.GeoIPOfflineDBPath),
			DBFilename:     filepath.Base(envCfg.GeoIPOfflineDBPath),
			UpdateSchedule: envCfg.GeoIPOfflineUpdateSchedule,
		})
		if err := mmdb.Start(); err != nil {
			log.Printf("geoip: offline database unavailable, falling through to HTTP backend: %v", err)
		} else {
			offline = mmdb
		}
	}

	geo := geoip.New(geoip.Config{
		BaseURL:           envCfg.GeoIPBaseURL,
		BatchURL:          envCfg.GeoIPBatchURL,
		RequestsPerMinute: envCfg.GeoIPRequestsPerMinute,
		Offline:           offline,
	})

	egressIP, err := validator.ResolveEgressIP(ctx, envCfg.ValidatorFallbackJudgeURL)
	if err != nil {
		log.Printf("validator: could not resolve caller egress IP, proxies that leak headers will be classified anonymous, never transparent: %v", err)
	}

	v := validator.New(geo, egressIP)
	v.Timeout = envCfg.ValidatorTimeout
	v.StrictCheckURL = envCfg.ValidatorJudgeURL
	v.FallbackCheckURL = envCfg.ValidatorFallbackJudgeURL
	return v
}

func runImport(envCfg *config.EnvConfig, store *catalog.Store, path string) {
	ctx := context.Background()

	f, err := os.Open(path)
	if err != nil {
		fatalf("import-file: %v", err)
	}
	defer f.Close()

	candidates, err := pipeline.Source(f)
	if err != nil {
		fatalf("import-file: %v", err)
	}
	log.Printf("import: parsed %d candidates from %s", len(candidates), path)

	v := newValidator(ctx, envCfg)
	p := pipeline.New(store, liveness.New(), v, envCfg.PipelineConcurrency)
	p.Run(ctx, candidates)
}

func runReverify(envCfg *config.EnvConfig, store *catalog.Store) {
	ctx := context.Background()
	v := newValidator(ctx, envCfg)
	engine := lifecycle.New(store, v)
	engine.SweepLimit = envCfg.LifecycleSweepBatchSize
	engine.Threshold = envCfg.LifecycleEvictThreshold
	engine.Concurrency = envCfg.PipelineConcurrency
	engine.RunOnce(ctx)
}

func runMonitor(envCfg *config.EnvConfig, store *catalog.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := newValidator(ctx, envCfg)
	engine := lifecycle.New(store, v)
	engine.Interval = envCfg.LifecycleSweepInterval
	engine.SweepLimit = envCfg.LifecycleSweepBatchSize
	engine.Threshold = envCfg.LifecycleEvictThreshold
	engine.Concurrency = envCfg.PipelineConcurrency

	stop := make(chan struct{})
	quit := waitForSignal()
	go func() {
		<-quit
		log.Println("monitor: received shutdown signal")
		close(stop)
		cancel()
	}()

	engine.RunDaemon(ctx, stop)
	log.Println("monitor: stopped")
}

func runServe(envCfg *config.EnvConfig, store *catalog.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := gateway.NewServer(gateway.ServerConfig{
		ListenAddr: envCfg.GatewayListenAddress,
		PoolSize:   envCfg.GatewayPoolSize,
		Rotation:   gateway.RotationStrategy(envCfg.GatewayRotationStrategy),
		Store:      store,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	quit := waitForSignal()
	select {
	case sig := <-quit:
		log.Printf("serve: received signal %s, shutting down...", sig)
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			log.Println("serve: gateway shutdown timed out")
		}
	case err := <-errCh:
		if err != nil {
			fatalf("serve: gateway exited: %v", err)
		}
	}
}

func waitForSignal() chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
