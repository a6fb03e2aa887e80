package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"stagesave-server/config"
	"stagesave-server/service"
	"stagesave-server/service/stors/filestor"
)

type apiServer struct {
	conf   *config.Config
	store  filestor.Store
	events *service.EventBus
	hub    *NotifyHub

	// held across a save and its notification, and across a client join
	saveMu sync.Mutex
}

func newAPIServer(conf *config.Config, store filestor.Store, events *service.EventBus) *apiServer {
	s := &apiServer{
		conf:   conf,
		store:  store,
		events: events,
		hub:    NewNotifyHub(),
	}
	events.Subscribe(service.TopicStageSaved, s.hub.HandleSaved)
	return s
}

func (s *apiServer) app() *fiber.App {
	app := fiber.New(fiber.Config{
		JSONEncoder: sonic.Marshal,
		JSONDecoder: sonic.Unmarshal,
		BodyLimit:   s.conf.BodyLimit,
	})
	loggerCfg := logger.ConfigDefault
	loggerCfg.Format = "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${queryParams} | ${error}\n"
	app.Use(logger.New(loggerCfg))

	app.Options("/*", handlePreflight)
	app.Post(config.SavePath, s.handleSaveStage)
	if s.conf.NotifyEnabled {
		app.Get(s.conf.NotifyPath, handleNotifyUpgrade)
		app.Get(s.conf.NotifyPath, websocket.New(s.handleNotifyConn))
	}

	app.Use("/", filesystem.New(filesystem.Config{
		Root:   http.Dir(s.conf.StaticRoot),
		Browse: true,
	}))
	return app
}

// NewApp wires the save endpoint, notifications and static files around store.
func NewApp(conf *config.Config, store filestor.Store, events *service.EventBus) *fiber.App {
	return newAPIServer(conf, store, events).app()
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, conf *config.Config) error {
	s := newAPIServer(conf, filestor.NewDiskStore(conf.TargetFile), service.NewEventBus())
	app := s.app()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(conf.Addr())
	}()
	slog.Info(fmt.Sprintf("Server started at http://localhost:%d", conf.Port),
		"addr", conf.Addr(),
		"target_file", conf.TargetFile,
		"static_root", conf.StaticRoot,
	)
	slog.Info(fmt.Sprintf("To use Level Editor, open http://localhost:%d/index.html", conf.Port))

	select {
	case err := <-errCh:
		s.hub.Close()
		if err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("API server is shutting down")
	s.hub.Close()
	if err := app.ShutdownWithTimeout(config.ShutdownTimeout); err != nil {
		slog.Error("Failed to gracefully shutdown API server", "err", err)
		return err
	}
	slog.Info("API server shutdown successfully")
	return nil
}
