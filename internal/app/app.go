// Package app assembles the dev relay: a pebble-backed persistence API, the
// in-process hub and its websocket bridge, and the metrics endpoint. It
// exists so the engine can be exercised end-to-end; it is not a hardened
// public surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/persist/pebblestore"
	"chatsync/pkg/transport"
	"chatsync/pkg/transport/redistream"
	"chatsync/pkg/transport/wsbridge"
)

// App holds the relay components and lifecycle.
type App struct {
	cfg   *config.Config
	store *pebblestore.Store
	hub   *transport.Hub

	// mirror republishes fanout onto redis so engines on other hosts using
	// the redistream transport see the same topics. Nil in hub mode.
	mirror   *redistream.Transport
	mirrorMu sync.Mutex
	mirrorCh map[string]transport.Channel

	httpSrv *http.Server
	wsSrv   *fasthttp.Server
}

// New opens the store and wires the components. Servers start in Run.
func New(cfg *config.Config) (*App, error) {
	store, err := pebblestore.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", cfg.Server.DBPath, err)
	}
	a := &App{cfg: cfg, store: store, hub: transport.NewHub(), mirrorCh: map[string]transport.Channel{}}

	if cfg.Transport.Mode == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		mirror := redistream.New(rdb, cfg.Transport.Redis.PresenceTTL.Duration())
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := mirror.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis transport at %s: %w", cfg.Transport.Redis.Addr, err)
		}
		a.mirror = mirror
		logger.Info("redis_mirror_enabled", "addr", cfg.Transport.Redis.Addr)
	}

	r := mux.NewRouter()
	a.registerRoutes(r)
	r.Handle("/metrics", promhttp.Handler())
	a.httpSrv = &http.Server{Addr: cfg.Addr(), Handler: r}

	bridge := wsbridge.NewServer(a.hub)
	a.wsSrv = &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/realtime":
			bridge.Handler(ctx)
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString(`{"status":"ok"}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}}
	return a, nil
}

// mirrorPublish republishes ev on the redis topic. Channels are cached per
// topic and used publish-only; they never subscribe.
func (a *App) mirrorPublish(topic string, ev transport.Event) {
	if a.mirror == nil {
		return
	}
	a.mirrorMu.Lock()
	ch, ok := a.mirrorCh[topic]
	if !ok {
		ch = a.mirror.Channel(topic, transport.ChannelOptions{})
		a.mirrorCh[topic] = ch
	}
	a.mirrorMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Send(ctx, ev); err != nil {
		logger.Warn("redis_mirror_publish_failed", "topic", topic, "error", err)
	}
}

// Hub exposes the in-process hub for embedding (tests drive it directly).
func (a *App) Hub() *transport.Hub { return a.hub }

// Store exposes the backing store for embedding.
func (a *App) Store() *pebblestore.Store { return a.store }

// RealtimeAddr is where the websocket bridge listens: the REST port + 1.
func (a *App) RealtimeAddr() string {
	return fmt.Sprintf("%s:%d", a.cfg.Server.Address, a.cfg.Server.Port+1)
}

// Run starts both servers and blocks until ctx is canceled or a fatal
// server error occurs.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("realtime_listening", "addr", a.RealtimeAddr())
		if err := a.wsSrv.ListenAndServe(a.RealtimeAddr()); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
		a.shutdown()
		return nil
	}
}

func (a *App) shutdown() {
	logger.Info("shutting_down")
	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpSrv.Shutdown(shctx)
	_ = a.wsSrv.Shutdown()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}
