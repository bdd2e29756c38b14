package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/api"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/call"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/config"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/metrics"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/responder"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/rtpio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/scenario"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/session"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipevent"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipserver"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/tts"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/vad"
)

// stopGrace bounds how long live calls get to drain at shutdown.
const stopGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting voice connector",
		"sip_port", cfg.SIPPort,
		"event_port", cfg.EventPort,
		"http_port", cfg.HTTPPort,
		"rtp_range", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"responder", cfg.Responder,
		"data_dir", cfg.DataDir,
	)

	store, err := scenario.OpenStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening scenario store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	counters := metrics.NewCounters(reg)

	pool, err := rtpio.NewPool(cfg.RTPIP, cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}

	// Application context parents every call's media pipeline.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	mgr, err := call.NewManager(appCtx, call.Options{
		STT: stt.Config{
			URL:        cfg.STTURL,
			SampleRate: cfg.STTSampleRate,
		},
		TTS: tts.Config{
			URL:        cfg.TTSURL,
			Voice:      cfg.TTSVoice,
			SampleRate: cfg.TTSSampleRate,
		},
		Responder: responder.Options{
			Kind:       cfg.Responder,
			IntentURL:  cfg.IntentURL,
			LLMBaseURL: cfg.LLMBaseURL,
			LLMAPIKey:  cfg.LLMAPIKey,
			LLMModel:   cfg.LLMModel,
		},
		VAD: vad.Config{
			InitialThreshold:      cfg.VADThreshold,
			MinThreshold:          cfg.VADMinThreshold,
			MaxThreshold:          cfg.VADMaxThreshold,
			CalibrationWindowMs:   cfg.CalibrationWindowMs,
			SpeechDebounceFrames:  cfg.SpeechDebounceFrames,
			SilenceDebounceFrames: cfg.SilenceDebounceFrames,
			TTSCooldownMs:         cfg.TTSCooldownMs,
		},
		Session: session.Config{
			StalePartialTimeout: cfg.StalePartialTimeout,
			SpeechTimeout:       cfg.SpeechTimeout,
			SilenceTimeout:      cfg.SilenceTimeout,
			BargeInThreshold:    cfg.BargeInThreshold,
		},
	}, pool, counters, logger)
	if err != nil {
		return fmt.Errorf("creating call manager: %w", err)
	}
	reg.MustRegister(metrics.NewCollector(mgr, time.Now()))

	sipSrv, err := sipserver.NewServer(sipserver.Options{
		BindIP:          cfg.SIPIP,
		Port:            cfg.SIPPort,
		AdvertisedIP:    cfg.MediaIP(),
		CodecPreference: cfg.CodecPreference(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	sipSrv.SetDelegate(mgr)
	mgr.SetHangup(sipSrv.Hangup)

	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}
	defer sipSrv.Stop()

	events, err := sipevent.NewListener(fmt.Sprintf("%s:%d", cfg.EventIP, cfg.EventPort), logger)
	if err != nil {
		return fmt.Errorf("starting event listener: %w", err)
	}

	runner := scenario.NewRunner(store, mgr, counters, logger)
	defer runner.CancelAll()

	apiSrv := api.NewServer(store, runner, mgr, reg, logger)
	defer apiSrv.Close()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		events.Run()
		return nil
	})
	g.Go(func() error {
		mgr.ConsumeEvents(gctx, events.Events())
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		events.Close()

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	runErr := g.Wait()

	logger.Info("shutting down")
	runner.CancelAll()

	graceCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	mgr.StopAll(graceCtx)

	received, dropped := events.Stats()
	logger.Info("voice connector stopped", "events_received", received, "events_dropped", dropped)
	return runErr
}
