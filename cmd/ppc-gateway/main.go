// Copyright 2024 WeDPR Lab.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wedpr-lab/ppc-gateway/pkg/config"
	"github.com/wedpr-lab/ppc-gateway/pkg/front"
	"github.com/wedpr-lab/ppc-gateway/pkg/gateway"
	"github.com/wedpr-lab/ppc-gateway/pkg/metrics"
	"github.com/wedpr-lab/ppc-gateway/pkg/peer"
	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
	"github.com/wedpr-lab/ppc-gateway/pkg/task"
)

// handoffHandler lets Connector be constructed before the Gateway that will
// handle its inbound messages exists, since Gateway's own constructor needs
// the Connector as its Sender. Safe to use from Connector's read pumps only
// after set has been called, which happens before Connector.Start.
type handoffHandler struct {
	mu sync.RWMutex
	h  peer.MessageHandler
}

func (s *handoffHandler) set(h peer.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *handoffHandler) HandleInbound(agency string, msg *protocol.Message) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h != nil {
		h.HandleInbound(agency, msg)
	}
}

var (
	configPath string
	metricAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "ppc-gateway",
		Short: "ppc-gateway routes messages between agencies in a privacy-preserving computation network",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "config.toml", "path to the gateway's TOML configuration file")
	root.Flags().StringVar(&metricAddr, "metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run builds the dependency chain leaves-first (task -> front -> peer ->
// gateway, mirroring GatewayServiceApp::initService's construction order),
// starts it, blocks on SIGINT/SIGTERM, and stops it in reverse order.
func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}

	metrics.MustRegister(nil)
	serveMetrics(metricAddr)

	tasks := buildTaskManager(cfg)
	fronts := front.NewManager()

	// Gateway needs the Connector as its Sender, and the Connector needs the
	// Gateway as its inbound MessageHandler: handlerSlot breaks the
	// construction cycle by forwarding to whatever Gateway is set into it
	// once construction completes, before Start ever dials a peer.
	var handlerSlot handoffHandler
	peerCfg := peer.DefaultConfig()
	peerCfg.ReconnectInterval = cfg.ReconnectInterval
	peerCfg.MaxFrameSize = cfg.MaxAllowMsgSize
	peerCfg.AckTimeout = cfg.HoldingInterval
	connector := peer.NewConnector(peerCfg, &handlerSlot)
	for agency, endpoints := range cfg.Agencies {
		if err := connector.RegisterAgency(agency, endpoints); err != nil {
			return fmt.Errorf("register agency %q: %w", agency, err)
		}
	}

	gw := gateway.New(gateway.Config{
		SelfID:          cfg.ListenAddr,
		HoldingInterval: cfg.HoldingInterval,
	}, tasks, fronts, connector)
	handlerSlot.set(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := connector.Start(ctx); err != nil {
		return fmt.Errorf("start peer connector: %w", err)
	}
	log.Info("ppc-gateway started", zap.String("listenAddr", cfg.ListenAddr),
		zap.Int("agencyCount", len(cfg.Agencies)))

	waitForSignal()

	log.Info("ppc-gateway shutting down")
	gw.Stop()
	if err := connector.Stop(); err != nil {
		log.Error("peer connector stop reported errors", zap.Error(err))
	}
	return nil
}

func buildTaskManager(cfg *config.GatewayConfig) task.Manager {
	local := task.NewLocalManager()
	if cfg.DisableCache {
		return local
	}
	// No real cache client ships with this repo (spec.md scopes the Redis
	// wire protocol out); a configured cache.* block with DisableCache=false
	// still gets the local-only manager until a CacheStorage implementation
	// is plugged in here.
	return local
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
