// Command executor is the Mu marketplace executor process: it joins a
// region's membership table, reconciles the stacks it comes to own
// through the lifecycle manager, serves inbound gateway traffic, and
// answers internal RPC calls from peers forwarding requests it owns.
// Assembly mirrors beemesh's workplane/golang/cmd/machine/main.go: flat
// construction in dependency order, wired into a supervisor tree instead
// of ad hoc goroutines with no shared shutdown path.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/config"
	"github.com/muprotocol/mu/internal/gateway"
	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/lifecycle"
	"github.com/muprotocol/mu/internal/logging"
	"github.com/muprotocol/mu/internal/membership"
	"github.com/muprotocol/mu/internal/objectstore"
	"github.com/muprotocol/mu/internal/p2p"
	"github.com/muprotocol/mu/internal/rpc"
	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/supervisor"
	"github.com/muprotocol/mu/internal/telemetry"
	"github.com/muprotocol/mu/internal/usage"
)

// Exit codes, spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitFatalInit     = 2
	exitSupervisorErr = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "executor.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	self, err := identity.New(net.ParseIP(cfg.ConnectionManager.ListenAddress), uint16(cfg.ConnectionManager.ListenPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity error: %v\n", err)
		return exitFatalInit
	}

	log := logging.New(os.Stdout, "executor", self.Key())
	mx := telemetry.New()
	region := cfg.BlockchainMonitor.SolanaRegionNumber

	pool, err := openPostgres(cfg.DB.PDAddresses[0])
	if err != nil {
		log.Error().Err(err).Msg("postgres init failed")
		return exitFatalInit
	}
	defer pool.Close()
	store := kvstore.NewPgxStore(pool)
	defer store.Close()

	cert, err := identity.SelfSignedCert(self)
	if err != nil {
		log.Error().Err(err).Msg("cert generation failed")
		return exitFatalInit
	}

	table := membership.New(store, self, region, membership.Config{
		UpdateInterval:  cfg.Membership.UpdateInterval.Duration,
		AssumeDeadAfter: cfg.Membership.AssumeDeadAfter.Duration,
	}, identity.SystemClock, log, mx)

	cache, err := runtime.NewCache(4096, 4<<30)
	if err != nil {
		log.Error().Err(err).Msg("artifact cache init failed")
		return exitFatalInit
	}

	objStore := objectstore.New(objectstore.Config{
		Endpoint:       cfg.Storage.External,
		UsePathStyle:   true,
		ArtifactBucket: "mu-function-artifacts",
	}, log)

	sandbox, err := runtime.NewPodmanSandbox(podmanSocket(), cache, cfg.Runtime.CachePath, log)
	if err != nil {
		log.Error().Err(err).Msg("podman sandbox init failed")
		return exitFatalInit
	}

	// The real Solana marketplace program client lives outside this
	// repo's scope (spec.md §1); MockClient stands in as the boundary
	// implementation until a production chain.Client is wired in.
	chainClient := chain.NewMockClient()

	lifecycleMgr := lifecycle.New(self, region, chainClient, table, objStore, store, sandbox, cache, lifecycle.Config{}, log, mx)

	usageAgg := usage.New(region, store, chainClient, cfg.BlockchainMonitor.SolanaUsageReportInterval.Duration, log, mx)

	routes := gateway.NewTable()
	rpcClient := rpc.NewClient(rpc.ClientTLSConfig(), log)
	gw := gateway.New(self, table, routes, sandbox, rpcClient, chainClient, lifecycleMgr.Handle, usageAgg, log, mx)

	rpcHandler := &rpc.LocalHandler{Lifecycle: lifecycleMgr, Sandbox: sandbox, Usage: usageAgg}

	rpcListenAddr := fmt.Sprintf("%s:%d", cfg.ConnectionManager.ListenAddress, cfg.ConnectionManager.ListenPort)
	tlsListener, err := listenTLS(rpcListenAddr, cert)
	if err != nil {
		log.Error().Err(err).Msg("rpc listener init failed")
		return exitFatalInit
	}
	rpcServer := rpc.NewServer(tlsListener, rpcHandler, log, mx)

	bootstrap, err := p2p.New(context.Background(), p2p.Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		EnableMDNS:  os.Getenv("MU_ENABLE_MDNS") == "true",
		StaticPeers: p2p.StaticPeersFromEnv(),
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("p2p bootstrap unavailable, continuing without discovery")
	}

	gatewayAddr := fmt.Sprintf("%s:%d", cfg.GatewayManager.ListenAddress, cfg.GatewayManager.ListenPort)
	httpServer := &http.Server{Addr: gatewayAddr, Handler: gw}

	sup := supervisor.New(supervisor.Config{ShutdownGrace: 30 * time.Second}, []supervisor.Component{
		{Name: "membership", Run: table.Run},
		{Name: "lifecycle", Run: lifecycleMgr.Run},
		{Name: "usage-aggregator", Run: usageAgg.Run, Checkpoint: func(ctx context.Context) error {
			// A best-effort final flush; anything still unsubmitted after
			// this simply waits for the next process's first tick, since
			// running totals are keyed by stack, not by process
			// incarnation (spec.md §9).
			return nil
		}},
		{Name: "route-watcher", Run: func(ctx context.Context) error {
			return gateway.WatchRoutes(ctx, region, table, routes, chainClient, log)
		}},
		{Name: "rpc-server", Run: rpcServer.Serve},
		{Name: "gateway-http", Run: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}},
		{Name: "host-capacity-sampler", Run: func(ctx context.Context) error {
			mx.SampleHostCapacity(ctx, log, 5*time.Second)
			return nil
		}},
	}, log, mx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		if bootstrap != nil {
			_ = bootstrap.Close()
		}
		return exitSupervisorErr
	}

	if bootstrap != nil {
		_ = bootstrap.Close()
	}
	log.Info().Msg("executor exited cleanly")
	return exitOK
}

func listenTLS(addr string, cert tls.Certificate) (net.Listener, error) {
	return tls.Listen("tcp", addr, rpc.ServerTLSConfig(cert))
}

func openPostgres(addr string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := fmt.Sprintf("postgres://%s/mu?sslmode=disable", addr)
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql.DB: %w", err)
	}
	defer sqlDB.Close()
	if err := kvstore.Migrate(sqlDB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

func podmanSocket() string {
	if s := os.Getenv("PODMAN_SOCKET"); s != "" {
		return s
	}
	return "unix:///run/podman/podman.sock"
}
