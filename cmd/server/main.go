package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amritsingh183/chat-server/internal/chat"
	"github.com/amritsingh183/chat-server/internal/config"
	"github.com/amritsingh183/chat-server/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Telemetry is not up yet: this is a config/startup failure, the one
		// class of error allowed to reach stderr directly.
		println("config error:", err.Error())
		os.Exit(1)
	}

	log := telemetry.New(cfg.Production(), cfg.LogLevel, os.Stdout)
	log.Info("starting", "addr", cfg.Addr())

	var metrics *chat.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = chat.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics listener stopped", "error", err.Error())
			}
		}()
		log.Info("metrics listener started", "addr", cfg.MetricsAddr)
	}

	room := chat.NewRoom(cfg.RoomCapacity)
	log.Info("room created", "room_id", room.ID().String())
	registry := chat.NewRegistry(cfg.BroadcastFanout, log.With("registry"))
	if metrics != nil {
		registry.SetMetrics(metrics)
	}
	broker := chat.NewBroker(room, registry, log.With("broker"), cfg.ExcludeSender)
	if metrics != nil {
		broker.SetMetrics(metrics)
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Error("listen failed", err)
		os.Exit(1)
	}

	acceptor := chat.NewAcceptor(listener, broker, registry, log.With("acceptor"), cfg.MaxConnections, cfg.RateLimit, cfg.RateBurst, cfg.OutboundCapacity)
	if metrics != nil {
		acceptor.SetMetrics(metrics)
	}

	go broker.Run()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown signal received")
		acceptor.Shutdown()
		broker.Shutdown()
		os.Exit(0)
	}()

	log.Info("listening", "addr", cfg.Addr())
	acceptor.Run()
}
