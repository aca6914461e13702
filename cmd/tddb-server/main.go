package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tddb/internal/lock"
	"tddb/internal/owner"
	"tddb/internal/parser"
	"tddb/internal/parser/avrosyntax"
	"tddb/internal/parser/kidl"
	"tddb/internal/registry"
	"tddb/internal/rest"
	"tddb/internal/storage/memkv"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type config struct {
	NATSURL           string
	HTTPAddr          string
	Bucket            string
	Debug             bool
	TestMode          bool
	TempDir           string
	KidlSource        string
	MaxDeadlockWaitMs int
	Admins            string
}

func (c *config) load() {
	flag.StringVar(&c.NATSURL, "nats-url", getEnv("NATS_URL", nats.DefaultURL), "NATS server URL")
	flag.StringVar(&c.HTTPAddr, "http-addr", getEnv("HTTP_ADDR", ":8081"), "HTTP server address")
	flag.StringVar(&c.Bucket, "bucket", getEnv("TDDB_BUCKET", "TDDB"), "JetStream KV bucket for registry records")
	flag.BoolVar(&c.Debug, "debug", getEnvBool("DEBUG", false), "Enable debug logging")
	flag.BoolVar(&c.TestMode, "test", getEnvBool("TEST_MODE", false), "Enable test mode with embedded NATS server")
	flag.StringVar(&c.TempDir, "temp-dir", getEnv("TEMP_DIR", os.TempDir()), "Parent directory for parser scratch space")
	flag.StringVar(&c.KidlSource, "kidl-source", getEnv("KIDL_SOURCE", "internal"), "Parser backend: internal, external, or both")
	flag.IntVar(&c.MaxDeadlockWaitMs, "max-deadlock-wait-ms", getEnvInt("MAX_DEADLOCK_WAIT_MS", int(lock.DefaultTimeout/time.Millisecond)), "Lock Manager total wait budget before DeadlockSuspected")
	flag.StringVar(&c.Admins, "admins", getEnv("ADMINS", ""), "Comma-separated list of admin user IDs")
}

type server struct {
	cfg          config
	js           nats.JetStreamContext
	kv           nats.KeyValue
	http         *http.Server
	core         *registry.Core
	natsServer   *natsd.Server
	embeddedNATS bool
}

func newServer(cfg config) *server {
	return &server{cfg: cfg, http: &http.Server{Addr: cfg.HTTPAddr, Handler: rest.Routes()}}
}

func main() {
	cfg := config{}
	cfg.load()
	flag.Parse()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(logHandler))

	slog.Info("starting TDDB registry server", "httpAddr", cfg.HTTPAddr, "kidlSource", cfg.KidlSource)

	srv := newServer(cfg)
	if err := srv.setup(); err != nil {
		slog.Error("failed to set up NATS-backed storage", "error", err)
		slog.Warn("continuing with in-memory storage only, state will not survive a restart")
	}

	store := memkv.NewMemoryStore()
	if srv.kv != nil {
		store = memkv.New(memkv.NewNATSBackend(srv.kv))
	}

	locks := lock.NewManager()
	locks.Timeout = time.Duration(cfg.MaxDeadlockWaitMs) * time.Millisecond

	admins := owner.StaticAdmins{}
	for _, a := range strings.Split(cfg.Admins, ",") {
		if a = strings.TrimSpace(a); a != "" {
			admins[a] = true
		}
	}
	owners := owner.New(store, admins)

	parsers, perr := buildParserConfig(cfg.KidlSource)
	if perr != nil {
		slog.Error("invalid kidl-source configuration", "error", perr)
		os.Exit(1)
	}

	srv.core = registry.New(store, locks, owners, parsers, slog.Default())
	rest.Init(srv.core)

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	srv.gracefulShutdown(5 * time.Second)
}

// buildParserConfig wires up the Parser Port backend(s) per the
// kidl-source option: internal (hand-written compiler), external
// (avro-syntax compiler), or both (dual-parser equivalence checking).
func buildParserConfig(source string) (registry.ParserConfig, error) {
	switch parser.Name(source) {
	case parser.Internal, "":
		return registry.ParserConfig{Source: parser.Internal, Internal: kidl.New()}, nil
	case parser.External:
		return registry.ParserConfig{Source: parser.External, External: avrosyntax.New()}, nil
	case parser.Both:
		return registry.ParserConfig{Source: parser.Both, Internal: kidl.New(), External: avrosyntax.New()}, nil
	default:
		return registry.ParserConfig{}, fmt.Errorf("unknown kidl-source %q, want internal, external, or both", source)
	}
}

func (s *server) startEmbeddedNATS() error {
	slog.Info("starting embedded NATS server for testing")

	tmpDir, err := os.MkdirTemp(s.cfg.TempDir, "tddb-nats-*")
	if err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}

	opts := &natsd.Options{
		JetStream:  true,
		Port:       4222,
		Host:       "127.0.0.1",
		StoreDir:   tmpDir,
		MaxPayload: 8 * 1024 * 1024,
	}

	ns, err := natsd.NewServer(opts)
	if err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("embedded NATS server failed to start")
	}

	timeout := time.Now().Add(5 * time.Second)
	for time.Now().Before(timeout) {
		if ns.JetStreamEnabled() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !ns.JetStreamEnabled() {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("JetStream failed to start")
	}

	slog.Info("embedded NATS server started successfully")
	s.natsServer = ns
	s.embeddedNATS = true
	return nil
}

func (s *server) setup() error {
	slog.Debug("connecting to NATS", "url", s.cfg.NATSURL)

	nc, err := nats.Connect(s.cfg.NATSURL,
		nats.Name("TDDB Registry"),
		nats.Timeout(5*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("NATS error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)

	if err != nil && s.cfg.TestMode {
		slog.Info("failed to connect to external NATS server, starting embedded server")
		if err := s.startEmbeddedNATS(); err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}
		nc, err = nats.Connect(nats.DefaultURL, nats.Name("TDDB Registry"), nats.Timeout(5*time.Second))
		if err != nil {
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	slog.Info("connected to NATS")

	s.js, err = nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return fmt.Errorf("JetStream context: %w", err)
	}

	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		slog.Debug("setting up registry bucket", "name", s.cfg.Bucket, "attempt", i+1)
		if s.kv, err = s.makeBucket(s.cfg.Bucket, "TDDB registry records"); err != nil {
			if i == maxRetries-1 {
				return fmt.Errorf("create registry bucket: %w", err)
			}
			slog.Debug("retrying bucket creation", "error", err)
			time.Sleep(time.Second)
			continue
		}
		break
	}

	slog.Info("NATS setup completed successfully")
	return nil
}

func (s *server) makeBucket(name, desc string) (nats.KeyValue, error) {
	kv, err := s.js.KeyValue(name)
	if err == nats.ErrBucketNotFound {
		slog.Debug("bucket not found, creating", "name", name)
		return s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      name,
			Description: desc,
			Storage:     nats.FileStorage,
			History:     5,
		})
	}
	return kv, err
}

func (s *server) gracefulShutdown(timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutting down server...")
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if s.embeddedNATS && s.natsServer != nil {
		slog.Info("shutting down embedded NATS server")
		s.natsServer.Shutdown()
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
