package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/format"
	"github.com/poemonsense/cloudpool/internal/quota"
	"github.com/poemonsense/cloudpool/internal/server"
	"github.com/poemonsense/cloudpool/internal/stats"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/redis"
)

var (
	servePort     int
	serveHost     string
	serveStrategy string
	serveFallback bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the cloudpool server exposing the Anthropic Messages API.

Examples:
  cloudpool serve
  cloudpool serve --port 8080 --strategy quota-aware
  cloudpool serve --fallback`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to")
	serveCmd.Flags().StringVar(&serveStrategy, "strategy", "", "Account selection strategy (round-robin, sticky, least-used, quota-aware)")
	serveCmd.Flags().BoolVar(&serveFallback, "fallback", false, "Enable model fallback when quota is exhausted")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	applyDebugFlag(cmd, cfg)

	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = serveHost
	}
	if cmd.Flags().Changed("strategy") {
		cfg.SetStrategy(serveStrategy)
	}
	if cmd.Flags().Changed("fallback") {
		cfg.FallbackEnabled = serveFallback
	}

	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	status := manager.GetStatus()
	if status.Total == 0 {
		utils.Warn("[Server] No accounts configured. Add one with: cloudpool accounts add")
	} else {
		utils.Success("[Server] Account pool ready: %d total, %d available, strategy: %s",
			status.Total, status.Available, status.Strategy)
	}

	// Redis is optional; without it signatures and stats stay in memory
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Server] Redis unavailable, falling back to in-memory state: %v", err)
			rdb = nil
		} else {
			utils.Info("[Server] Redis connected at %s", cfg.RedisAddr)
			defer rdb.Close()
		}
	}
	format.InitSignatureCache(rdb)

	recorder := stats.NewRecorder(rdb)
	client := cloudcode.NewClient(manager, cfg)
	client.SetStatsRecorder(recorder)
	client.Tracker().StartCleanup()
	defer client.Tracker().Stop()

	refresher := quota.NewRefresher(manager, client, cfg)
	refresher.Start()
	defer refresher.Stop()

	srv := server.New(cfg, manager, client, recorder)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		<-quit
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			utils.Error("[Server] Forced shutdown: %v", err)
		}
		close(done)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	utils.Success("Server listening on http://%s", addr)

	if err := srv.Run(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	utils.Success("Server stopped gracefully")
	return nil
}
