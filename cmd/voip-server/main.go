package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voip-server/pkg/config"
	http_server "voip-server/pkg/http"
	"voip-server/pkg/metrics"
	"voip-server/pkg/sip"
	"voip-server/pkg/util"
	"voip-server/pkg/version"
)

var (
	logger     = logrus.New()
	appConfig  *config.Config
	sipHandler *sip.Handler
	sipServer  *sip.Server
	httpServer *http_server.Server

	// Context for graceful shutdown
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	serveErr := make(chan error, 1)
	util.NewPanicHandler(logger).SafeGo("sip_server", func() {
		serveErr <- sipServer.Serve(rootCtx)
	})

	shutdown := util.NewGracefulShutdown(logger, 15*time.Second)
	if httpServer != nil {
		shutdown.Register(util.ShutdownResource{
			Name:     "http",
			Priority: 10,
			Shutdown: httpServer.Shutdown,
		})
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "sip",
		Priority: 20,
		Shutdown: sipServer.Shutdown,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("SIP server stopped unexpectedly")
			exitCode = 1
		}
	}

	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.HTTP.ShutdownTimeout+10*time.Second)
	defer shutdownCancel()

	if err := shutdown.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		exitCode = 1
	}

	logger.Info("Shutdown complete")
	os.Exit(exitCode)
}

func initialize() error {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return err
	}

	if err := appConfig.ApplyLogging(logger); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version":  version.Version,
		"sip_addr": appConfig.Network.Address(),
	}).Info("Starting " + version.Product)

	if appConfig.HTTP.Enabled && appConfig.HTTP.EnableMetrics {
		metrics.Init(logger)
	}

	sipHandler, err = sip.NewHandler(logger, &sip.Config{
		SDP: sip.SDPIdentity{
			Username:    appConfig.SDP.Username,
			SessionID:   appConfig.SDP.SessionID,
			SessionName: appConfig.SDP.SessionName,
		},
		UserAgent:      appConfig.SDP.UserAgent,
		AllowedCallers: appConfig.Calls.AllowedCallers,
		ReadBufferSize: appConfig.Network.ReadBufferSize,
	})
	if err != nil {
		return err
	}

	if appConfig.Calls.AutoAnswer {
		sipHandler.SetObserver(newAutoAnswer(sipHandler, appConfig.Calls.AnswerRTPPort))
		logger.WithField("rtp_port", appConfig.Calls.AnswerRTPPort).Info("Auto-answer enabled")
	}

	sipServer = sip.NewServer(logger, sipHandler)
	if err := sipServer.Listen(rootCtx, appConfig.Network.Address()); err != nil {
		return err
	}

	if appConfig.HTTP.Enabled {
		httpServer = http_server.NewServer(logger, &http_server.Config{
			Port:            appConfig.HTTP.Port,
			Enabled:         appConfig.HTTP.Enabled,
			EnableMetrics:   appConfig.HTTP.EnableMetrics,
			MetricsPath:     appConfig.HTTP.MetricsPath,
			ReadTimeout:     appConfig.HTTP.ReadTimeout,
			WriteTimeout:    appConfig.HTTP.WriteTimeout,
			ShutdownTimeout: appConfig.HTTP.ShutdownTimeout,
		}, sipHandler)
	}

	return nil
}
