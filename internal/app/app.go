// Package app assembles the application from its parts.
package app

import (
	"context"

	"streamrelay/pkg/config"
	"streamrelay/pkg/dvr"
	"streamrelay/pkg/extractors"
	"streamrelay/pkg/handlers/api"
	"streamrelay/pkg/handlers/streams"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/server"
	"streamrelay/pkg/services"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	Config *config.Config
	Log    *logging.Logger
	Server *server.Server

	client     *httpclient.Client
	extractors *registry.ExtractorRegistry
	recorder   interfaces.Recorder
	transcoder interfaces.Transcoder
}

// New loads configuration and wires the application together.
func New() (*App, error) {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing streamrelay", "port", cfg.Port, "log_level", cfg.LogLevel)

	client := httpclient.New(cfg, log)

	streamHandlers := registry.NewStreamHandlerRegistry()
	streamHandlers.Register(streams.NewHLSHandler(client, log))
	streamHandlers.Register(streams.NewMPDHandler(client, log))
	streamHandlers.SetFallback(streams.NewGenericHandler(client, log))

	extractorReg := registry.NewExtractorRegistry()
	extractorReg.Register(extractors.NewVavooExtractor(client, log))
	extractorReg.Register(extractors.NewStreamtapeExtractor(client, log))
	extractorReg.Register(extractors.NewGenericExtractor(client, log))

	a := &App{
		Config:     cfg,
		Log:        log,
		client:     client,
		extractors: extractorReg,
	}

	transcoder, err := services.NewFFmpegTranscoder(cfg, log)
	if err != nil {
		log.Warn("transcoder unavailable", "error", err)
	} else {
		a.transcoder = transcoder
	}

	recorder, err := dvr.NewRecorder(cfg, client, log)
	if err != nil {
		log.Warn("DVR unavailable", "error", err)
	} else {
		a.recorder = recorder
	}

	proxy := services.NewProxyService(log, streamHandlers, extractorReg, cfg.BaseURL)

	srv := server.New(cfg, log)
	api.NewHandlers(cfg, log, proxy, a.recorder, a.transcoder, client).RegisterRoutes(srv.Router())
	a.Server = srv

	return a, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Start(ctx)
}

// Shutdown releases the long-lived components, DVR last so in-flight
// captures get their terminal status persisted.
func (a *App) Shutdown() {
	a.Log.Info("shutting down")

	if a.transcoder != nil {
		a.transcoder.Close()
	}
	if err := a.extractors.Close(); err != nil {
		a.Log.Warn("extractor shutdown", "error", err)
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.Log.Warn("DVR shutdown", "error", err)
		}
	}
}
