// Command callsim прогоняет сценарии звонков через контроллер сессий на
// симулированном движке и отдает метрики Prometheus по HTTP.
//
//	callsim -config configs/callsim.yaml -scenario all -serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/sipcall/pkg/account"
	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/config"
	"github.com/arzzra/sipcall/pkg/emitter"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/arzzra/sipcall/pkg/metrics"
	"github.com/arzzra/sipcall/pkg/simengine"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configPath = flag.String("config", "configs/callsim.yaml", "Путь к YAML конфигурации")
		scenario   = flag.String("scenario", "all", "Сценарий: "+scenarioNames())
		serve      = flag.Bool("serve", false, "Не завершаться после сценариев, отдавать /metrics до сигнала")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *scenario, *serve); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) logger.StructuredLogger {
	if cfg.Log.Console {
		return logger.NewConsoleLogger(cfg.LogLevel())
	}
	return logger.NewDefaultLogger(os.Stdout, cfg.LogLevel())
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// newEmitter собирает получателей уведомлений: MQTT или лог, плюс метрики и extra
func newEmitter(ctx context.Context, cfg *config.Config, log logger.StructuredLogger, collector *metrics.Collector, extra ...call.Emitter) (call.Emitter, func() error, error) {
	closeFn := func() error { return nil }

	var primary call.Emitter
	if cfg.MQTT.Enabled {
		pub, err := emitter.NewMQTTPublisher(ctx, emitter.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			QoS:            byte(cfg.MQTT.QoS),
			PublishTimeout: cfg.MQTT.PublishTimeout,
			Logger:         log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt: %w", err)
		}
		primary = emitter.NewMQTTEmitter(pub, cfg.MQTT.TopicPrefix,
			emitter.WithPublishTimeout(cfg.MQTT.PublishTimeout))
		closeFn = pub.Close
	} else {
		primary = emitter.NewLogEmitter(log)
	}

	emitters := append([]call.Emitter{primary}, extra...)
	if collector != nil {
		emitters = append(emitters, collector)
	}
	if len(emitters) == 1 {
		return primary, closeFn, nil
	}
	return emitter.NewMulti(emitters...), closeFn, nil
}

func run(cfg *config.Config, scenario string, serve bool) error {
	log := newLogger(cfg)
	logger.SetDefaultLogger(log)
	mainLog := log.WithComponent("callsim")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		collector *metrics.Collector
		srv       *http.Server
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg, metrics.Config{
			Namespace: cfg.Metrics.Namespace,
			Subsystem: cfg.Metrics.Subsystem,
		})

		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newRouter(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			mainLog.Info(ctx, "HTTP сервер метрик запущен", logger.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mainLog.LogError(ctx, err, "HTTP сервер метрик остановлен с ошибкой")
			}
		}()
	}

	rec := emitter.NewRecorder()
	em, closeEmitter, err := newEmitter(ctx, cfg, log, collector, rec)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEmitter(); err != nil {
			mainLog.LogError(context.Background(), err, "не удалось закрыть публикацию уведомлений")
		}
	}()

	engine := simengine.New(simengine.Options{
		LocalURI:       cfg.Account.IDURI,
		RingbackVolume: cfg.Media.RingbackVolume,
		Logger:         log,
	})

	acc, err := account.New(account.Config{
		IDURI:      cfg.Account.IDURI,
		Realm:      cfg.Account.Realm,
		Platform:   engine.Platform(),
		Emitter:    em,
		Engine:     engine,
		Logger:     log,
		Conference: cfg.Media.Conference,
	})
	if err != nil {
		return err
	}
	engine.SetListener(acc)

	runner := &scenarioRunner{
		acc:    acc,
		engine: engine,
		video:  cfg.Media.Video,
		log:    log.WithComponent("scenario"),
		pause:  200 * time.Millisecond,
	}
	scenarioErr := runner.Run(ctx, scenario)
	if scenarioErr != nil {
		mainLog.LogError(ctx, scenarioErr, "сценарий завершился с ошибкой", logger.String("scenario", scenario))
	}

	if serve && srv != nil && ctx.Err() == nil {
		mainLog.Info(ctx, "сценарии выполнены, ожидание сигнала")
		<-ctx.Done()
	}

	acc.HangUpAll(context.Background())
	if err := engine.Drain(context.Background()); err != nil {
		mainLog.LogError(context.Background(), err, "не удалось доставить события завершения")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			mainLog.LogError(shutdownCtx, err, "HTTP сервер остановлен принудительно")
		}
	}

	logSummary(mainLog, rec)
	mainLog.Info(context.Background(), "callsim завершен", logger.Int("active_calls", acc.CallCount()))
	return scenarioErr
}

// logSummary итог по каждому звонку: финальное состояние и статистика
func logSummary(log logger.StructuredLogger, rec *emitter.Recorder) {
	ctx := context.Background()
	for _, ev := range rec.Events() {
		switch {
		case ev.Kind == emitter.EventCallStats:
			log.Info(ctx, "итог звонка",
				logger.Int("call_id", ev.Stats.CallID),
				logger.String("codec", ev.Stats.Codec),
				logger.Int64("duration", ev.Stats.DurationSeconds),
				logger.Int("status", int(ev.Stats.Status)),
				logger.Any("rx_packets", ev.Stats.Rx.Packets),
				logger.Any("rx_lost", ev.Stats.Rx.Lost),
				logger.Any("rx_jitter_mean", ev.Stats.Rx.Jitter.Mean),
			)
		case ev.Kind == emitter.EventCallState && ev.State == call.StateDisconnected:
			log.Info(ctx, "звонок завершен", logger.Int("call_id", ev.CallID), logger.Int("status", int(ev.Status)))
		}
	}
}
