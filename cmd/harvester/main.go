package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/you/livechat-harvester/internal/chzzk"
	"github.com/you/livechat-harvester/internal/config"
	"github.com/you/livechat-harvester/internal/core"
	"github.com/you/livechat-harvester/internal/credentials"
	"github.com/you/livechat-harvester/internal/harvester"
	httpadmin "github.com/you/livechat-harvester/internal/http"
	"github.com/you/livechat-harvester/internal/httpapi"
	"github.com/you/livechat-harvester/internal/sink"
	"github.com/you/livechat-harvester/internal/telemetry"
	"github.com/you/livechat-harvester/internal/version"
)

type noopWriter struct{}

func (noopWriter) Write(core.ChatEvent) error { return errors.New("no sink configured") }

// reportingWriter logs and counts failures of one named sink.
type reportingWriter struct {
	name    string
	base    sink.Writer
	metrics *httpapi.Metrics
}

func (w reportingWriter) Write(ev core.ChatEvent) error {
	if err := w.base.Write(ev); err != nil {
		log.Printf("harvester: write %s event %s: %v", w.name, ev.MessageID, err)
		w.metrics.IncSinkWriteErrors(w.name)
		return err
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("harvester: .env: %v", err)
	}
	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	var (
		versionFlag     bool
		channel         string
		sinks           string
		dbPath          string
		cookieFile      string
		proxy           string
		idStrategy      string
		queueCapacity   int
		receiveTimeout  int
		maxAttempts     int
		debugDrops      bool
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&channel, "channel", "", "Chzzk channel id to follow")
	flag.StringVar(&sinks, "sinks", "", "Comma-separated sinks (sqlite, stdout)")
	flag.StringVar(&dbPath, "sqlite", "chat.db", "Path to SQLite database file")
	flag.StringVar(&cookieFile, "cookie-file", "", "Path to a file holding NID_AUT and NID_SES")
	flag.StringVar(&proxy, "proxy", "", "HTTP proxy URL for lookups and the chat socket")
	flag.StringVar(&idStrategy, "id-strategy", "hash", "Message id strategy: hash or tuple")
	flag.IntVar(&queueCapacity, "queue-capacity", 0, "Delivery queue capacity (0 = unbounded)")
	flag.IntVar(&receiveTimeout, "receive-timeout-ms", 5000, "Heartbeat interval when no chat arrives")
	flag.IntVar(&maxAttempts, "max-attempts", 5, "Attempts per lookup and per reconnect")
	flag.BoolVar(&debugDrops, "debug-drops", false, "Log every dropped frame at debug level")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8765)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.Parse()

	build := version.Get()
	if versionFlag {
		fmt.Printf("harvester version: %s (commit %s, built %s)\n", build.Version, build.Revision, build.BuiltAt.Format(time.RFC3339))
		return 0
	}

	cfg := config.Load()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "channel":
			cfg.Chzzk.Channel = strings.TrimSpace(channel)
		case "sinks":
			cfg.Sinks = splitCSV(sinks)
		case "sqlite":
			cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
			if !cfg.HasSink("sqlite") {
				cfg.Sinks = append(cfg.Sinks, "sqlite")
			}
		case "cookie-file":
			cfg.Chzzk.CookieFile = strings.TrimSpace(cookieFile)
		case "proxy":
			cfg.Chzzk.Proxy = strings.TrimSpace(proxy)
		case "id-strategy":
			cfg.Chzzk.IDStrategy = strings.ToLower(strings.TrimSpace(idStrategy))
		case "queue-capacity":
			cfg.Chzzk.QueueCapacity = queueCapacity
		case "receive-timeout-ms":
			cfg.Chzzk.ReceiveTimeoutMS = receiveTimeout
		case "max-attempts":
			cfg.Chzzk.MaxAttempts = maxAttempts
		case "debug-drops":
			cfg.Chzzk.DebugDrops = debugDrops
		case "http-addr":
			cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
		case "http-cors-origins":
			cfg.HTTP.CORSOrigins = splitCSV(httpCorsOrigins)
		case "http-rate-rps":
			cfg.HTTP.RateLimitRPS = httpRateRPS
		case "http-rate-burst":
			cfg.HTTP.RateLimitBurst = httpRateBurst
		}
	})

	log.Printf("%s", cfg.SummaryJSON())
	if cfg.Chzzk.Channel == "" {
		log.Printf("harvester: ERROR: no channel configured. Set LIVECHAT_CHANNEL or pass -channel.")
		return 2
	}
	if len(cfg.Sinks) == 0 {
		log.Printf("harvester: no sinks configured; supported sinks: sqlite, stdout")
	}

	shutdownTracing, err := telemetry.InitTracing("livechat-harvester", build.Version)
	if err != nil {
		log.Printf("harvester: tracing: %v", err)
		return 1
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("harvester: received %s, shutting down", sig)
		cancel()
	}()

	store := credentials.NewStore(credentials.Cookies{NIDAut: cfg.Chzzk.NIDAut, NIDSes: cfg.Chzzk.NIDSes})
	var loader *credentials.FileLoader
	if cfg.Chzzk.CookieFile != "" {
		loader = credentials.NewFileLoader(cfg.Chzzk.CookieFile)
		loader.SetCached(store.Current())
	}
	har := harvester.New(loader, store)
	har.OnReload(func(c credentials.Cookies) {
		log.Printf("harvester: cookies rotated (%s); next reconnect uses them", c.Redacted())
	})
	if loader != nil {
		if _, err := har.ReloadCredentials(); err != nil {
			log.Printf("harvester: cookie file: %v", err)
		}
		if err := har.WatchCookieFile(ctx); err != nil {
			slog.Error("harvester: watch cookie file", "err", err)
		}
	}
	if store.Current().Empty() {
		log.Printf("harvester: no cookies configured; token exchange runs anonymously")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	chatMetrics := chzzk.NewMetrics(registry)

	var (
		sinkDB  *sink.SQLiteSink
		api     *httpapi.Server
		current atomic.Pointer[chzzk.Stream]
		writers sink.Multi
	)

	if cfg.HasSink("sqlite") {
		db, err := sink.OpenSQLite(cfg.Sink.SQLite.Path, cfg.Chzzk.Channel)
		if err != nil {
			log.Printf("harvester: open sqlite: %v", err)
			return 1
		}
		sinkDB = db
		defer func() {
			if err := sinkDB.Close(); err != nil {
				log.Printf("harvester: closing sink: %v", err)
			}
		}()
		if err := sinkDB.Ping(); err != nil {
			log.Printf("harvester: ping sqlite: %v", err)
			return 1
		}
		if err := migrateSQLite(ctx, sinkDB.DB()); err != nil {
			log.Printf("harvester: sqlite migrate: %v", err)
			return 1
		}
	} else {
		log.Printf("harvester: sqlite sink disabled (configured sinks=%v)", cfg.Sinks)
	}

	if cfg.HTTP.Addr != "" {
		if sinkDB == nil {
			log.Printf("harvester: http api requested but sqlite sink is disabled; skipping listener")
		} else {
			api = httpapi.New(sinkDB, httpapi.Options{
				Addr:           cfg.HTTP.Addr,
				Registry:       registry,
				RateLimitRPS:   cfg.HTTP.RateLimitRPS,
				RateLimitBurst: cfg.HTTP.RateLimitBurst,
				CORSOrigins:    cfg.HTTP.CORSOrigins,
				Build:          build,
				Session: func() httpapi.SessionInfo {
					stream := current.Load()
					if stream == nil {
						return httpapi.SessionInfo{State: chzzk.StateIdle.String()}
					}
					return sessionInfo(stream)
				},
				Config: func() any { return cfg.Redacted() },
			})
			httpadmin.New(har).Register(api.Mux())
			go func() {
				if err := api.Start(); err != nil {
					log.Printf("harvester: http api: %v", err)
					cancel()
				}
			}()
			log.Printf("harvester: http api ready on %s", cfg.HTTP.Addr)
		}
	}

	if sinkDB != nil {
		var w sink.Writer = sinkDB
		if api != nil {
			w = sink.WithAPI(w, api)
		}
		if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
			buffered := sink.NewBufferedWriter(w, sink.BufferedOptions{
				BatchSize:     cfg.Batch(),
				FlushInterval: cfg.FlushInterval(),
			})
			defer func() {
				if err := buffered.Close(); err != nil {
					log.Printf("harvester: flush buffered sink: %v", err)
				}
			}()
			w = buffered
		}
		writers = append(writers, reportingWriter{name: "sqlite", base: w, metrics: api.Metrics()})
	}
	if cfg.HasSink("stdout") {
		writers = append(writers, reportingWriter{name: "stdout", base: sink.NewJSONLines(os.Stdout), metrics: api.Metrics()})
	}
	var writer sink.Writer = writers
	if len(writers) == 0 {
		writer = noopWriter{}
	}

	retry := chzzk.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Chzzk.MaxAttempts
	stream, err := chzzk.Start(ctx, cfg.Chzzk.Channel, store, chzzk.Options{
		ReceiveTimeout: cfg.ReceiveTimeout(),
		Retry:          retry,
		QueueCapacity:  cfg.Chzzk.QueueCapacity,
		IDStrategy:     chzzk.ParseIDStrategy(cfg.Chzzk.IDStrategy),
		Proxy:          cfg.Chzzk.Proxy,
		Metrics:        chatMetrics,
		Logger:         slog.Default(),
		DebugDrops:     cfg.Chzzk.DebugDrops || chzzk.DropDebugFromEnv(),
	})
	if err != nil {
		log.Printf("harvester: start chzzk session for %s: %v", cfg.Chzzk.Channel, err)
		shutdownAPI(api)
		return 1
	}
	current.Store(stream)
	har.SetSession(stream)
	log.Printf("harvester: following %s status=%s title=%q session=%s",
		stream.Info.ChannelID, stream.Info.Status, stream.Info.Title, stream.SessionID())

	go func() {
		select {
		case <-ctx.Done():
			stream.Terminate()
		case <-stream.Done():
		}
	}()

	written := 0
	for ev := range stream.All() {
		if ev.IsHeartbeat() {
			continue
		}
		if err := writer.Write(ev); err == nil {
			written++
		}
	}

	exit := 0
	if err := stream.Err(); err != nil {
		log.Printf("harvester: chat session failed: %v", err)
		exit = 1
	}
	shutdownAPI(api)
	log.Printf("harvester: shutdown complete events=%d state=%s", written, stream.State())
	return exit
}

func shutdownAPI(api *httpapi.Server) {
	if api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Printf("harvester: http api shutdown: %v", err)
	}
}

func sessionInfo(stream *chzzk.Stream) httpapi.SessionInfo {
	session := stream.Session()
	return httpapi.SessionInfo{
		SessionID:    stream.SessionID(),
		State:        session.State.String(),
		ConnectCount: session.ConnectCount,
		ServerID:     session.ServerID,
		Stream:       stream.Info,
	}
}

func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
