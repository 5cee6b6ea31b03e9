package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/goevery/streamhub/internal/auth"
	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/graphql"
	"github.com/goevery/streamhub/internal/handler"
	"github.com/goevery/streamhub/internal/metrics"
	"github.com/goevery/streamhub/internal/server"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	registry        *prometheus.Registry
	websocketServer *server.WebSocketServer
	streamServer    *server.StreamServer
	restServer      *server.RESTServer
}

func NewApp(logger *zap.Logger, settings Settings) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	originChecker := server.NewOriginChecker(settings.AllowedOriginList())
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.APIKeyList())

	hub := broadcaster.NewHub(logger, metrics.New(registry), broadcaster.Options{
		QueueCapacity: settings.QueueCapacity,
		MaxPathLength: settings.MaxPathLength,
	})
	bridge := graphql.NewBridge(logger.Named("graphql"), hub, graphql.NewPushExecutor())

	restServer := server.NewRESTServer(logger, authenticator, server.RESTHandlers{
		Heartbeat:            handler.NewHeartbeatHandler(hub.Paths),
		RegisterPath:         handler.NewRegisterPathHandler(hub.Paths),
		ListPaths:            handler.NewListPathsHandler(hub),
		Broadcast:            handler.NewBroadcastHandler(hub.Engine),
		RegisterSubscription: handler.NewRegisterSubscriptionHandler(bridge),
		ListSubscriptions:    handler.NewListSubscriptionsHandler(bridge),
		SubscriptionMessage:  handler.NewSubscriptionMessageHandler(bridge),
		ClearScript:          handler.NewClearScriptHandler(bridge),
	})
	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		bridge,
		settings.InitTimeout,
	)
	streamServer := server.NewStreamServer(
		logger,
		hub,
		websocketUpgrader,
		settings.BasePath,
		settings.KeepAlive,
	)

	return &App{
		logger,
		settings,
		registry,
		websocketServer,
		streamServer,
		restServer,
	}
}

func (a *App) router() http.Handler {
	root := mux.NewRouter()

	router := root
	if basePath := strings.TrimSuffix(a.settings.BasePath, "/"); basePath != "" {
		router = root.PathPrefix(basePath).Subrouter()
	}

	router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods("GET")

	a.restServer.Register(router)
	a.websocketServer.Register(router)
	a.streamServer.Register(router)

	return root
}

func (a *App) run(ctx context.Context) error {
	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	group, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:    address,
		Handler: a.router(),
		// Streams never go idle, so they end with the serving context.
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	group.Go(func() error {
		a.logger.Info("starting http server",
			zap.String("address", address),
			zap.String("basePath", a.settings.BasePath))

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		a.logger.Info("stopping http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.settings.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}

		a.logger.Info("http server stopped")

		return nil
	})

	return group.Wait()
}

func main() {
	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse settings from environment:", err)
		os.Exit(1)
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	app := NewApp(logger, settings)

	err = app.run(ctx)
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
