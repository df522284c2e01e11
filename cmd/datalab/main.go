//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Command datalab serves the analysis API: file staging, schema
// inference, command resolution and sandboxed execution behind a
// single HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatexcel/datalab/analysis"
	"github.com/chatexcel/datalab/config"
	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/quota"
	quotasqlite "github.com/chatexcel/datalab/quota/sqlite"
	"github.com/chatexcel/datalab/resolver"
	resolveropenai "github.com/chatexcel/datalab/resolver/openai"
	resolverservice "github.com/chatexcel/datalab/resolver/service"
	"github.com/chatexcel/datalab/sandbox"
	"github.com/chatexcel/datalab/sandbox/kernel"
	"github.com/chatexcel/datalab/server"
	"github.com/chatexcel/datalab/staging"
	"github.com/chatexcel/datalab/telemetry/trace"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "datalab.yaml", "path to the configuration file")
	flag.Parse()

	// Local development secrets. Missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Trace.Enabled {
		opts := []trace.Option{}
		if cfg.Trace.Endpoint != "" {
			opts = append(opts, trace.WithEndpoint(cfg.Trace.Endpoint))
		}
		clean, err := trace.Start(ctx, opts...)
		if err != nil {
			log.Fatalf("start tracing: %v", err)
		}
		defer func() {
			if err := clean(); err != nil {
				log.Warnf("shutdown tracing: %v", err)
			}
		}()
	}

	ledger, err := quotasqlite.Open(ctx, cfg.Quota.DBPath)
	if err != nil {
		log.Fatalf("open quota ledger: %v", err)
	}
	defer ledger.Close()
	checker := quota.NewCachedChecker(ledger, cfg.Quota.CacheTTL)

	res, err := buildResolver(cfg.Resolver)
	if err != nil {
		log.Fatalf("build resolver: %v", err)
	}

	manager := sandbox.NewManager(
		kernel.Factory(kernelOptions(cfg.Sandbox)...),
		sandbox.WithBootTimeout(cfg.Sandbox.BootTimeout),
	)
	orch := analysis.New(staging.New(), manager, res, analysis.WithQuota(checker))

	srv, err := server.New(orch,
		server.WithQuota(checker),
		server.WithJWTSecret(cfg.Server.JWTSecret),
	)
	if err != nil {
		log.Fatalf("build server: %v", err)
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("datalab listening on %s", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Errorf("serve: %v", serveErr)
		}
	case <-ctx.Done():
		log.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warnf("sandbox shutdown: %v", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		os.Exit(1)
	}
}

func buildResolver(cfg config.Resolver) (resolver.Resolver, error) {
	switch cfg.Kind {
	case "openai":
		opts := []resolveropenai.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, resolveropenai.WithAPIKey(cfg.APIKey))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, resolveropenai.WithBaseURL(cfg.Endpoint))
		}
		if cfg.Model != "" {
			opts = append(opts, resolveropenai.WithModel(cfg.Model))
		}
		return resolveropenai.New(opts...), nil
	case "service":
		opts := []resolverservice.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, resolverservice.WithAPIKey(cfg.APIKey))
		}
		return resolverservice.New(cfg.Endpoint, opts...), nil
	default:
		return nil, errors.New("unknown resolver kind " + cfg.Kind)
	}
}

func kernelOptions(cfg config.Sandbox) []kernel.Option {
	opts := []kernel.Option{
		kernel.WithIP(cfg.IP),
		kernel.WithPort(cfg.Port),
		kernel.WithKernelName(cfg.KernelName),
		kernel.WithPackages(cfg.Packages...),
	}
	if cfg.WorkRoot != "" {
		opts = append(opts, kernel.WithWorkRoot(cfg.WorkRoot))
	}
	if cfg.BootTimeout > 0 {
		opts = append(opts, kernel.WithStartTimeout(cfg.BootTimeout))
	}
	if cfg.RunTimeout > 0 {
		opts = append(opts, kernel.WithRunTimeout(cfg.RunTimeout))
	}
	return opts
}
