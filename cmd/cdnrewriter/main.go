package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

const drainTimeout = 30 * time.Second

// runHealthCheck probes /healthz on the local listener. addr is ":port" or
// "host:port" as given in CDNREWRITER_LISTEN_ADDR.
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Container images ship without curl, so the binary probes itself.
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("CDNREWRITER_LISTEN_ADDR")
		if addr == "" {
			addr = ":8095"
		}
		if err := runHealthCheck(addr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatalf("cdnrewriter: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.Version = version

	srv, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	go watchReload(ctx, srv)

	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Forced queue passes verify every candidate over the network.
		WriteTimeout: 10 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("cdnrewriter %s listening on %s", version, cfg.ListenAddr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return nil
}

// watchReload re-reads the environment on SIGHUP and hands it to the server.
// A config that fails validation leaves the running one in place.
func watchReload(ctx context.Context, srv *app.Server) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := app.LoadConfig()
			if err != nil {
				log.Printf("reload rejected: %v", err)
				continue
			}
			cfg.Version = version
			srv.Reload(cfg)
		}
	}
}
