package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/milksync/milksync/internal/dispatch"
	"github.com/milksync/milksync/internal/metrics"
	"github.com/milksync/milksync/internal/router"
	"github.com/milksync/milksync/internal/server/middleware"
	"github.com/milksync/milksync/internal/stats"
	"github.com/milksync/milksync/internal/store"
	"github.com/milksync/milksync/pkg/config"
	"github.com/milksync/milksync/pkg/state"
	"github.com/milksync/milksync/pkg/state/statemanager"
	"github.com/milksync/milksync/pkg/transport"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	dispatcher   *dispatch.Dispatcher
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	stateManager := statemanager.NewInMemoryManager(logger)
	m := metrics.New(nil)
	dispatcher := dispatch.New(logger, stateManager, m)
	memStore := store.NewMemStore(logger)
	aggregator := stats.NewAggregator(logger, memStore)
	eventRouter := router.NewEventRouter(logger, stateManager, dispatcher, aggregator, memStore)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		eventRouter:  eventRouter,
		dispatcher:   dispatcher,
		metrics:      m,
		config:       cfg,
		ctx:          rootCtx,
	}

	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	// Closes the oldest connection of a user who is over the limit.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	r := chi.NewRouter()
	r.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: r, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Dispatcher exposes the broadcast entry point consumed by the application's
// mutation handlers (the REST layer calls BroadcastToUser/BroadcastGlobal
// after each durable commit).
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)
	// register new connection
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// associate the authenticated user with the registered connection.
	if _, err := a.stateManager.AssociateUser(stateConn.ID, reqMeta.UserID, reqMeta.Role); err != nil {
		connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// Room membership is resolved once from the authenticated identity and
	// never changes for the lifetime of the connection.
	if err := a.stateManager.Join(reqMeta.UserID, state.UserRoom(reqMeta.UserID)); err != nil {
		connLogger.Error("Failed to assign user room", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.metrics.ConnClosed()
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	})

	connLogger.Info("User connection fully established", slog.String("userID", reqMeta.UserID))
	a.metrics.ConnOpened()
	conn.Run()
	// New connections start from a fresh snapshot instead of waiting for the
	// next mutation to come around.
	a.eventRouter.SendInitialState(a.ctx, stateConn.ID)
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	conns, err := a.stateManager.GetAllConnections()
	if err != nil {
		a.logger.Error(err.Error())
		return err
	}
	for _, conn := range conns {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
