package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/functions"
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/messaging"
	"voice-gateway/pkg/metrics"
	"voice-gateway/pkg/ratelimit"
	"voice-gateway/pkg/realtime"
	"voice-gateway/pkg/sip"
	"voice-gateway/pkg/store"
	"voice-gateway/pkg/util"
)

const shutdownTimeout = 15 * time.Second

var (
	logger    = logrus.New()
	appConfig *config.Config

	engine        *sip.Engine
	sipServer     *sip.Server
	metricsServer *metrics.Server
	tenantWatcher *config.TenantWatcher
	sipLimiter    *ratelimit.SIPLimiter
	publisher     messaging.Publisher
	kvStore       store.Store

	panics   *util.PanicHandler
	shutdown *util.GracefulShutdown

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	// Basic logger setup, replaced once the configuration is loaded
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
		logger.WithError(err).Fatal("Failed to initialize gateway")
	}

	// Binding the signaling socket is the only fatal runtime failure
	if err := sipServer.Start(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start SIP server")
	}

	logger.WithFields(logrus.Fields{
		"sip_address": appConfig.SIP.SIPAddress(),
		"transport":   appConfig.SIP.Transport,
		"rtp_ports":   []int{appConfig.Media.RTPPortMin, appConfig.Media.RTPPortMax},
		"ai_flavor":   appConfig.AI.DefaultFlavor,
		"stt_url":     appConfig.STT.URL,
		"store":       appConfig.Store.Driver,
	}).Info("Voice gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	rootCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown finished with errors")
	}
	logger.Info("Voice gateway stopped")
}

func initialize() error {
	var err error

	appConfig, err = config.Load(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		return errors.Wrap(err, "failed to apply logging configuration")
	}
	logger.WithField("level", logger.GetLevel().String()).Info("Log level set")

	panics = util.NewPanicHandler(logger)
	shutdown = util.NewGracefulShutdown(logger, shutdownTimeout)

	metrics.EnableMetrics(logger, appConfig.Metrics.Enabled)

	publisher = newPublisher()
	shutdown.RegisterCloser("amqp", publisher, util.PriorityEvents)

	kvStore, err = store.New(appConfig.Store, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open key-value store")
	}
	shutdown.RegisterCloser("store", kvStore, util.PriorityStorage)

	ports := media.NewPortManager(appConfig.Media.RTPPortMin, appConfig.Media.RTPPortMax, logger)
	calls := call.NewManager(logger)
	sipLimiter = ratelimit.NewSIPLimiter(appConfig.SIP, nil, logger)

	engine = sip.NewEngine(sip.EngineDeps{
		Config:    appConfig,
		Ports:     ports,
		Calls:     calls,
		Limiter:   sipLimiter,
		Publisher: publisher,
		Logger:    logger,
	})

	backend := functions.NewBackendClient(appConfig.Backend, logger)
	dispatcher := functions.NewDefaultDispatcher(backend, kvStore, logger)
	factory := realtime.NewFactory(realtime.Deps{
		Config:     appConfig.AI,
		Dispatcher: dispatcher,
		Referrer:   engine,
		Events:     engine,
		Logger:     logger,
	})
	engine.SetBridges(realtime.NewBridges(factory, appConfig.STT, logger))

	sipServer, err = sip.NewServer(appConfig.SIP, engine, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create SIP server")
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "sip",
		Priority: util.PrioritySignaling,
		Shutdown: func(context.Context) error {
			sipLimiter.Stop()
			return nil
		},
	})
	// calls hang up over the SIP transport, so the listener closes after them
	shutdown.Register(util.ShutdownResource{
		Name:     "calls",
		Priority: util.PriorityCalls,
		Shutdown: func(ctx context.Context) error {
			err := engine.Shutdown(ctx)
			if closeErr := sipServer.Close(); err == nil {
				err = closeErr
			}
			return err
		},
	})

	if appConfig.TenantsFile != "" && appConfig.WatchTenants {
		tenantWatcher, err = config.NewTenantWatcher(appConfig.TenantsFile, appConfig.Tenants, logger)
		if err != nil {
			return err
		}
		if err := tenantWatcher.Start(rootCtx); err != nil {
			return errors.Wrap(err, "failed to watch tenant configuration")
		}
		shutdown.Register(util.ShutdownResource{
			Name:     "tenant-watcher",
			Priority: util.PriorityStorage,
			Shutdown: func(context.Context) error { return tenantWatcher.Stop() },
		})
	}

	if appConfig.Metrics.Enabled {
		metricsServer = metrics.NewServer(logger, appConfig.Metrics.Address, health(calls, ports))
		if err := metricsServer.Start(); err != nil {
			return errors.Wrap(err, "failed to start metrics server")
		}
		shutdown.Register(util.ShutdownResource{
			Name:     "metrics",
			Priority: util.PriorityMetrics,
			Shutdown: metricsServer.Shutdown,
		})
	}

	return nil
}

// newPublisher connects to the broker in the background so a missing broker never blocks calls
func newPublisher() messaging.Publisher {
	if !appConfig.Messaging.Enabled() {
		logger.Info("AMQP_URL not set, call events are not published")
		return messaging.NopPublisher{}
	}

	amqp := messaging.NewAMQPPublisher(logger, appConfig.Messaging)
	panics.Go("amqp-connect", func() {
		if err := amqp.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unavailable, events are dropped until it reconnects")
		}
	})
	return amqp
}

func health(calls *call.Manager, ports *media.PortManager) metrics.HealthFunc {
	return func() map[string]interface{} {
		minPort, maxPort := ports.GetPortRange()
		return map[string]interface{}{
			"active_calls": calls.Count(),
			"ports":        ports.GetStats(),
			"port_range":   []int{minPort, maxPort},
		}
	}
}
