// Command wasmhostd runs the WebAssembly component host: it loads
// configuration, opens the content-addressed store and audit log, wires the
// registry/engine/hook pipeline, optionally applies a provisioning
// manifest, then serves the MCP control protocol over newline-delimited
// JSON-RPC on stdio.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/wasmhost/pkg/audit"
	"github.com/Mindburn-Labs/wasmhost/pkg/config"
	"github.com/Mindburn-Labs/wasmhost/pkg/hooks"
	"github.com/Mindburn-Labs/wasmhost/pkg/loader"
	"github.com/Mindburn-Labs/wasmhost/pkg/mcpserver"
	"github.com/Mindburn-Labs/wasmhost/pkg/observability"
	"github.com/Mindburn-Labs/wasmhost/pkg/policyloader"
	"github.com/Mindburn-Labs/wasmhost/pkg/provisioning"
	"github.com/Mindburn-Labs/wasmhost/pkg/registry"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/storage"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmengine"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: args excludes the program name, in/out
// are the control-protocol transport, errOut receives startup diagnostics.
func Run(args []string, in io.Reader, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("wasmhostd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "path to a TOML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "wasmhostd: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Observability)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.OTLPEndpoint != "",
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer obs.Shutdown(context.Background())

	host, err := newHost(ctx, cfg, logger)
	if err != nil {
		logger.Error("host init failed", "error", err)
		return 1
	}
	defer host.Close(context.Background())

	if results, err := host.registry.Restore(ctx); err != nil {
		logger.Error("registry restore failed", "error", err)
	} else {
		for _, r := range results {
			if r.Err != nil {
				logger.Warn("component restore failed", "component_id", r.ComponentID, "error", r.Err)
				continue
			}
			if !r.EngineCompatible {
				logger.Warn("restored component has an incompatible engine version", "component_id", r.ComponentID)
			}
		}
	}

	if cfg.Provisioning.ManifestPath != "" {
		if err := host.applyManifest(ctx, cfg.Provisioning.ManifestPath); err != nil {
			logger.Error("provisioning manifest apply failed", "error", err)
			return 1
		}
	}

	serve(ctx, host.dispatcher, in, out, logger)
	return 0
}

func newLogger(cfg config.ObservabilityConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// host bundles every long-lived component so main can wire them once and
// close them in the right order on shutdown.
type host struct {
	store      *storage.Store
	engine     *wasmengine.Engine
	registry   *registry.Registry
	pipeline   *hooks.Pipeline
	dispatcher *mcpserver.Dispatcher
	auditLog   *audit.Log
	policies   *policyloader.Loader
	secrets    *secrets.Store
}

func newHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host, error) {
	store, err := storage.New(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine, err := wasmengine.NewWithCacheDir(ctx, cfg.Engine.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	auditLog, err := audit.Open(cfg.Audit.DatabasePath)
	if err != nil {
		engine.Close(ctx)
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	appendAudit := func(ctx context.Context, componentID, eventType string, detail any) {
		if _, err := auditLog.Append(ctx, componentID, audit.EventType(eventType), detail); err != nil {
			logger.Error("audit append failed", "component_id", componentID, "event_type", eventType, "error", err)
		}
	}

	fetchLoader := loader.New(loader.Config{
		HTTPTimeout:  cfg.Loader.FetchTimeout,
		OCITimeout:   cfg.Loader.FetchTimeout,
		MaxBodyBytes: cfg.Loader.MaxArtifactSize,
		MaxDownloads: int64(cfg.Loader.Concurrency),
	}, loader.NewRegistryPuller())

	secretStore := secrets.NewStore()
	reg := registry.New(fetchLoader, store, engine, secretStore)
	reg.Audit = appendAudit

	pipeline := hooks.New(logger)

	var policies *policyloader.Loader
	if cfg.Hooks.PolicyBundleDir != "" {
		policies, err = policyloader.NewLoader(cfg.Hooks.PolicyBundleDir)
		if err != nil {
			auditLog.Close()
			engine.Close(ctx)
			return nil, fmt.Errorf("init policy loader: %w", err)
		}
		if err := policies.LoadAll(); err != nil {
			auditLog.Close()
			engine.Close(ctx)
			return nil, fmt.Errorf("load policy bundles: %w", err)
		}
		pipeline.RegisterBefore("cel-block", policies.BlockHook())
	}

	dispatcher := mcpserver.New(reg, pipeline, engine, secretStore)
	dispatcher.Audit = appendAudit

	return &host{
		store:      store,
		engine:     engine,
		registry:   reg,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		auditLog:   auditLog,
		policies:   policies,
		secrets:    secretStore,
	}, nil
}

func (h *host) applyManifest(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}
	manifest, err := provisioning.Parse(data)
	if err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	controller := provisioning.New(h.registry, h.secrets)
	report, err := controller.Apply(ctx, manifest)
	if err != nil {
		return err
	}
	for _, r := range report.Failed() {
		slog.Default().Warn("manifest component failed to load", "name", r.Name, "error", r.Err)
	}
	return nil
}

func (h *host) Close(ctx context.Context) {
	if err := h.auditLog.Close(); err != nil {
		slog.Default().Error("audit log close failed", "error", err)
	}
	if err := h.engine.Close(ctx); err != nil {
		slog.Default().Error("engine close failed", "error", err)
	}
}

// stdioPeer writes server-initiated notifications as newline-delimited
// JSON-RPC to the control-protocol transport, guarded by the same writer
// mutex the request/response loop uses so a notification never interleaves
// with a partially written response.
type stdioPeer struct {
	enc *json.Encoder
	mu  *writerMutex
}

type writerMutex struct{ ch chan struct{} }

func newWriterMutex() *writerMutex {
	w := &writerMutex{ch: make(chan struct{}, 1)}
	w.ch <- struct{}{}
	return w
}
func (w *writerMutex) Lock()   { <-w.ch }
func (w *writerMutex) Unlock() { w.ch <- struct{}{} }

func (p *stdioPeer) Notify(ctx context.Context, method string, params any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(mcpserver.Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// serve runs the newline-delimited JSON-RPC request/response loop: the
// thin framing shim the dispatcher's transport-agnostic Handle is meant to
// sit behind. It exits when ctx is cancelled or the input stream ends.
func serve(ctx context.Context, d *mcpserver.Dispatcher, in io.Reader, out io.Writer, logger *slog.Logger) {
	mu := newWriterMutex()
	enc := json.NewEncoder(out)
	d.AttachPeer(&stdioPeer{enc: enc, mu: mu})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			var req mcpserver.Request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				logger.Error("malformed request", "error", err)
				continue
			}
			resp := d.Handle(ctx, req)
			mu.Lock()
			if err := enc.Encode(resp); err != nil {
				logger.Error("write response failed", "error", err)
			}
			mu.Unlock()
		}
	}
}
