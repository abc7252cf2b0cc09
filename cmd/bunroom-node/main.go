// bunroom-node is one member of a bunroom cluster: it serves the client
// WebSocket link, the inter-node RPC link, and a Prometheus metrics
// endpoint, hosting a Raft group per room it participates in.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunroom/internal/config"
	"github.com/kartikbazzad/bunroom/internal/gateway"
	"github.com/kartikbazzad/bunroom/internal/logging"
	"github.com/kartikbazzad/bunroom/internal/rpc"
)

var rootCmd = &cobra.Command{
	Use:   "bunroom-node",
	Short: "bunroom cluster node",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node and join the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	peers, err := config.ParsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	self, err := config.Self(peers, cfg.NodeID)
	if err != nil {
		return err
	}

	peerURLs := make(map[string]string, len(peers))
	for _, p := range peers {
		peerURLs[p.NodeID] = p.RPCBaseURL()
	}
	rpcClient := rpc.NewClient(cfg.NodeID, peerURLs)

	gw := gateway.New(gateway.Config{
		NodeID:      cfg.NodeID,
		PeerIDs:     config.PeerIDs(peers),
		RPC:         rpcClient,
		IdleRoomTTL: time.Duration(cfg.IdleRoomTTLSeconds) * time.Second,
	})

	rpcServer := rpc.NewServer(self.RPCAddr(), cfg.NodeID, gw.Registry())
	rpcErrCh := rpcServer.Start()

	clientMux := http.NewServeMux()
	clientMux.HandleFunc("/ws", gw.ServeWS)
	clientMux.HandleFunc("/rooms/", gw.ServeRoomDebug)
	clientServer := &http.Server{
		Addr:        self.ClientAddr(),
		Handler:     clientMux,
		IdleTimeout: 60 * time.Second,
	}
	clientErrCh := make(chan error, 1)
	go func() {
		if err := clientServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clientErrCh <- err
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	slog.Info("bunroom-node up",
		"node", cfg.NodeID,
		"client_addr", self.ClientAddr(),
		"rpc_addr", self.RPCAddr(),
		"peers", len(peers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-rpcErrCh:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
	case err := <-clientErrCh:
		return fmt.Errorf("client server: %w", err)
	}

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gw.Stop()
	_ = clientServer.Shutdown(ctx)
	_ = rpcServer.Stop(ctx)
	_ = metricsServer.Shutdown(ctx)

	slog.Info("bunroom-node stopped")
	return nil
}
