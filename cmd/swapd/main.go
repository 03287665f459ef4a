package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"swapd/internal/api"
	"swapd/internal/config"
	"swapd/internal/engine"
	"swapd/internal/settle"
	"swapd/internal/sign"
	"swapd/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	st, err := store.New(cfg.DB.Path)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	key, err := crypto.HexToECDSA(cfg.Executor.Key)
	if err != nil {
		log.Fatal("parse executor key", zap.Error(err))
	}

	contracts := make(map[uint64]common.Address, len(cfg.Chains))
	router := settle.NewRouter()
	for _, ch := range cfg.Chains {
		contract := common.HexToAddress(ch.SettlementContract)
		contracts[ch.ChainID] = contract

		exec, err := settle.NewEthExecutor(ch.RPC, contract, key, ch.ChainID)
		if err != nil {
			log.Fatal("build chain executor",
				zap.Uint64("chain_id", ch.ChainID), zap.Error(err))
		}
		router.RegisterLocal(ch.ChainID, exec)
	}
	for _, b := range cfg.Bridges {
		src, _ := cfg.Chain(b.SourceChain)
		adapter, err := settle.NewEthBridgeAdapter(
			b.Protocol, src.RPC, common.HexToAddress(b.Endpoint), key, b.SourceChain)
		if err != nil {
			log.Fatal("build bridge adapter",
				zap.Uint64("target_chain", b.TargetChain), zap.Error(err))
		}
		router.RegisterBridge(b.TargetChain, adapter)
	}

	verifier := sign.NewVerifier(contracts)
	hub := api.NewHub()
	executor := settle.NewTradeExecutor(st, router, hub, log, cfg.Engine.CallTimeout)

	scheduler := engine.NewScheduler(st, executor, log, engine.Config{
		CycleInterval: cfg.Engine.CycleInterval,
		SweepInterval: cfg.Engine.SweepInterval,
		MaxRetries:    cfg.Engine.MaxRetries,
	})
	scheduler.Start()

	server := api.NewServer(st, verifier, hub, log)
	if len(cfg.HTTP.CORSOrigins) > 0 {
		server.SetCORSOrigins(cfg.HTTP.CORSOrigins)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	scheduler.Stop()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	if err := st.Close(); err != nil {
		log.Warn("close store", zap.Error(err))
	}
	log.Info("shutdown complete")
}
