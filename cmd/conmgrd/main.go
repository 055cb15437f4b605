// Command conmgrd is a small demonstration daemon wiring the connection
// manager core together: an echo listener exercising the Raw connection
// type end to end, and a framed listener exercising the Rpc type via the
// WebSocket frame codec in rpc_codec.go.
package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relayforge/conmgr/internal/conmgr"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := conmgr.DefaultManagerConfig()
	cfg.Logger = log
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("IN_BUFFER_SOFT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.InBufferSoftCap = n
		}
	}
	if v := os.Getenv("SHUTDOWN_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownDrainTimeout = d
		}
	}

	echoAddr := envOr("ECHO_LISTEN_ADDR", "127.0.0.1:9000")
	rpcAddr := envOr("RPC_LISTEN_ADDR", "127.0.0.1:9001")
	metricsAddr := envOr("METRICS_ADDR", "127.0.0.1:9090")

	mgr, err := conmgr.New(cfg)
	if err != nil {
		log.Fatalf("conmgrd: failed to construct manager: %v", err)
	}

	sigCh, err := mgr.StartSignalChannel(syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	if err != nil {
		log.Fatalf("conmgrd: failed to start signal channel: %v", err)
	}
	reloadCount := 0
	conmgr.RegisterSignalWork(sigCh, int(syscall.SIGHUP), func() {
		reloadCount++
		log.WithField("count", reloadCount).Info("conmgrd: SIGHUP received, reload requested")
	})

	if err := mgr.CreateListen(echoAddr, conmgr.Raw, echoEvents(log)); err != nil {
		log.Fatalf("conmgrd: failed to create echo listener on %s: %v", echoAddr, err)
	}
	log.WithField("addr", echoAddr).Info("conmgrd: echo listener ready")

	if err := mgr.CreateListen(rpcAddr, conmgr.Rpc, rpcEvents(log)); err != nil {
		log.Fatalf("conmgrd: failed to create rpc listener on %s: %v", rpcAddr, err)
	}
	log.WithField("addr", rpcAddr).Info("conmgrd: rpc listener ready")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("conmgrd: metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mgr.Run(ctx); err != nil {
			log.WithError(err).Error("conmgrd: watch loop exited with error")
		}
	}()

	shuttingDown := make(chan struct{})
	var once bool
	for _, s := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		s := s
		conmgr.RegisterSignalWork(sigCh, int(s), func() {
			if once {
				return
			}
			once = true
			log.WithField("signal", s).Info("conmgrd: received shutdown signal")
			close(shuttingDown)
		})
	}

	<-shuttingDown
	log.Info("conmgrd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout+5*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("conmgrd: shutdown error")
	}
	cancel()
	<-done
	if err := mgr.Close(); err != nil {
		log.WithError(err).Warn("conmgrd: error closing poll controller")
	}
	_ = metricsSrv.Close()
	log.Info("conmgrd: exited cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func echoEvents(log *logrus.Logger) conmgr.Events {
	return conmgr.Events{
		OnConnection: func(con *conmgr.Connection, arg any) (any, bool) {
			id := uuid.NewString()
			log.WithField("conn", con.Name()).WithField("id", id).Debug("conmgrd: echo connection opened")
			return id, true
		},
		OnData: func(con *conmgr.Connection, arg any) error {
			buf := conmgr.GetInBuffer(con)
			out := make([]byte, len(buf))
			copy(out, buf)
			conmgr.MarkConsumedInBuffer(con, len(buf))
			conmgr.QueueWrite(con, out)
			return nil
		},
		OnFinish: func(con *conmgr.Connection, arg any, status conmgr.WorkStatus) {
			log.WithField("conn", con.Name()).Debug("conmgrd: echo connection finished")
		},
	}
}

func rpcEvents(log *logrus.Logger) conmgr.Events {
	return conmgr.Events{
		FramePump: framePump,
		OnMsg: func(con *conmgr.Connection, arg any, msg any) {
			m, ok := msg.(wsMessage)
			if !ok {
				return
			}
			log.WithField("conn", con.Name()).WithField("len", len(m.Payload)).Debug("conmgrd: rpc message received")
		},
		OnFinish: func(con *conmgr.Connection, arg any, status conmgr.WorkStatus) {
			log.WithField("conn", con.Name()).Debug("conmgrd: rpc connection finished")
		},
	}
}
