package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/examforge/vmlab-control-plane/internal/api"
	"github.com/examforge/vmlab-control-plane/internal/config"
	"github.com/examforge/vmlab-control-plane/internal/console"
	"github.com/examforge/vmlab-control-plane/internal/jobs"
	"github.com/examforge/vmlab-control-plane/internal/proxmox"
	"github.com/examforge/vmlab-control-plane/internal/session"
	"github.com/examforge/vmlab-control-plane/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hv, err := proxmox.New(proxmox.Options{
		Host:           cfg.Proxmox.Host,
		Node:           cfg.Proxmox.Node,
		APIToken:       cfg.Proxmox.APIToken,
		Username:       cfg.Proxmox.Username,
		Password:       cfg.Proxmox.Password,
		InsecureTLS:    cfg.Proxmox.InsecureTLS,
		FullClone:      cfg.Proxmox.FullClone,
		CloneTarget:    cfg.Proxmox.CloneTarget,
		RequestTimeout: cfg.Proxmox.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("init proxmox client: %v", err)
	}

	st := store.New()
	mgr := session.NewManager(hv, st, cfg.Templates)
	broker := console.NewBroker(hv, mgr, cfg.Proxmox.Host, cfg.Proxmox.Node)
	handler := api.NewRouter(cfg, mgr, broker)

	jobs.NewRunner(mgr, cfg.SessionMaxAge, cfg.SweepInterval).Start(ctx)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Session start clones several VMs before the handler responds.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("vmlab-control-plane listening on %s node=%s roles=%d", cfg.ListenAddr, cfg.Proxmox.Node, len(cfg.Templates))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
