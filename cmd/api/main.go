package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whiteboard/api/internal/app"
	"whiteboard/api/internal/config"
	"whiteboard/api/internal/secret"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config failed: %v", err)
	}
	ctx := context.Background()

	resolver, err := secret.New(ctx, cfg.Secrets.Backend)
	if err != nil {
		log.Fatalf("secrets backend failed: %v", err)
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		log.Fatalf("resolving secrets failed: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Printf("WARNING: auth.jwt_secret is empty, every request is anonymous")
	}

	components, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer components.Close()

	upstream := components.Upstream
	log.Printf("Spacedeck at %s (local=%t, session mediated=%t)", upstream.BaseURL, cfg.Spacedeck.UseLocal, upstream.SessionMediated)

	components.Cleanup.Start()

	httpServer := app.NewHTTPServer(components.Service(), cfg.Server.CORSOrigin, []byte(cfg.Auth.JWTSecret), cfg.Auth.CookieName)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Whiteboard API listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	components.Cleanup.Stop()
	components.Broker.Wait()
	if components.Launcher != nil {
		if err := components.Launcher.Stop(shutdownCtx); err != nil {
			log.Printf("stopping spacedeck: %v", err)
		}
	}
}
