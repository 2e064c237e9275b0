// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/database/memdb"

	"github.com/Zombieliu/gear/memory"
	"github.com/Zombieliu/gear/programs"
	"github.com/Zombieliu/gear/runtime"
	"github.com/Zombieliu/gear/storage"
)

func main() {
	v, err := getViper()
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	if v.GetBool(versionKey) {
		fmt.Printf("%s@%s\n", runtime.Name, runtime.Version)
		os.Exit(0)
	}

	cfg := runtime.Config{
		MaxPages: memory.PageNumber(v.GetUint64(maxPagesKey)),
		PageCosts: memory.Costs{
			Alloc:  v.GetUint64(allocCostKey),
			Access: v.GetUint64(accessCostKey),
		},
		SetupCost:   v.GetUint64(setupCostKey),
		ExpiryTicks: v.GetUint64(expiryTicksKey),
	}

	store := storage.New(memdb.New())
	defer store.Close()

	registry := runtime.NewRegistry()
	programs.RegisterAll(registry)

	svc := runtime.NewService(runtime.New(store, registry, cfg))
	handler, err := runtime.NewHandler(svc)
	if err != nil {
		log.Error("couldn't build API handler", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := svc.Run(ctx, v.GetDuration(tickIntervalKey)); !errors.Is(err, context.Canceled) {
			log.Error("processing loop stopped", "err", err)
		}
		cancel()
	}()

	srv := &http.Server{
		Addr:    v.GetString(apiAddrKey),
		Handler: handler,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("serving gear API", "addr", srv.Addr, "version", runtime.Version)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
