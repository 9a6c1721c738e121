package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/correction"
	"github.com/loqalabs/loqa-vcc/internal/corrector"
	"github.com/loqalabs/loqa-vcc/internal/llm"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"github.com/loqalabs/loqa-vcc/internal/session"
	"github.com/loqalabs/loqa-vcc/internal/toolhost"
	"github.com/loqalabs/loqa-vcc/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'serve', 'call' or 'version'")
		os.Exit(2)
	}

	// Stdout belongs to the MCP stdio transport and to call's answer.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:], logger)
	case "call":
		err = runCall(ctx, os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string, logger *slog.Logger) error {
	var (
		configPath string
		transport  string
		addr       string
		speak      bool
	)
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	serveCmd.StringVar(&transport, "transport", "stdio", "Serving transport: stdio, http or nats")
	serveCmd.StringVar(&addr, "addr", "127.0.0.1:3000", "Listen address for -transport http")
	serveCmd.BoolVar(&speak, "speak", false, "Also serve tts.speak with the configured sink (nats only)")
	_ = serveCmd.Parse(args)

	cfg, err := config.LoadToolHost(configPath)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	host, err := newHost(cfg, "vcc-tool-"+hostname, logger)
	if err != nil {
		return err
	}

	switch transport {
	case "stdio":
		logger.Info("serving tools over stdio")
		return toolhost.ServeStdio(ctx, toolhost.NewMCPServer(host, version))

	case "http":
		srv := &http.Server{
			Addr:              addr,
			Handler:           toolhost.HTTPHandler(toolhost.NewMCPServer(host, version)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving tools over streamable HTTP", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	case "nats":
		client, err := bus.Connect(ctx, cfg.Bus, "vcc-tool", logger)
		if err != nil {
			return err
		}
		defer client.Close()

		server := toolhost.NewNATSServer(ctx, cfg.Registry, client, host, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Close()

		if speak {
			if cfg.TTS.Mode == "bus" {
				return errors.New("-speak needs a local tts.mode (mock or exec), not bus")
			}
			sink, err := tts.NewSink(cfg.TTS, nil)
			if err != nil {
				return err
			}
			speaker := tts.NewService(ctx, client, sink, time.Duration(cfg.Sequencer.MaxSpeakMS)*time.Millisecond, logger)
			if err := speaker.Start(); err != nil {
				return err
			}
			defer speaker.Close()
		}

		logger.Info("serving tools over NATS", slog.String("host_id", host.ID()))
		<-ctx.Done()
		return nil

	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

// runCall sends one payload through the same session and adapter path the
// relay uses and prints the resulting status and text.
func runCall(ctx context.Context, args []string, logger *slog.Logger) error {
	var (
		configPath string
		transport  string
		text       string
		timeoutMS  int
	)
	callCmd := flag.NewFlagSet("call", flag.ExitOnError)
	callCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	callCmd.StringVar(&transport, "transport", "", "Override correction.transport (inproc, mcp-stdio, mcp-http, nats)")
	callCmd.StringVar(&text, "text", "", "Payload to correct")
	callCmd.IntVar(&timeoutMS, "timeout", 0, "Override correction.deadline_ms")
	_ = callCmd.Parse(args)

	if text == "" {
		return errors.New("-text is required")
	}
	cfg, err := config.LoadToolHost(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Correction.Transport = transport
	}
	if timeoutMS > 0 {
		cfg.Correction.DeadlineMS = timeoutMS
	}

	reg, err := registry.New(ctx, cfg.Registry, nil, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	var t session.Transport
	switch cfg.Correction.Transport {
	case "inproc":
		host, err := newHost(cfg, "vcc-tool-call", logger)
		if err != nil {
			return err
		}
		reg.Register(registry.Tool{Name: cfg.Correction.Tool, Transport: "inproc", HostID: host.ID(), Healthy: true})
		t = session.NewInProc(host)
	case "mcp-stdio", "mcp-http":
		var mcpT *session.MCP
		if cfg.Correction.Transport == "mcp-stdio" {
			if mcpT, err = session.NewMCPStdio(cfg.Correction.Command, version, logger); err != nil {
				return err
			}
		} else {
			mcpT = session.NewMCPHTTP(cfg.Correction.Endpoint, version, logger)
		}
		if err := mcpT.Discover(ctx, reg); err != nil {
			return fmt.Errorf("discover tools: %w", err)
		}
		t = mcpT
	case "nats":
		client, err := bus.Connect(ctx, cfg.Bus, "vcc-tool-call", logger)
		if err != nil {
			return err
		}
		defer client.Close()
		// One-shot calls skip waiting for a heartbeat.
		reg.Register(registry.Tool{Name: cfg.Correction.Tool, Transport: "nats", Healthy: true})
		t = session.NewNATS(client)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Correction.Transport)
	}

	client := session.NewClient(reg, t, logger)
	defer client.Close()

	adapter := correction.NewAdapter(cfg.Correction, client, nil, logger)
	res := adapter.Correct(ctx, correction.Request{SequenceID: 1, Payload: text, IssuedAt: time.Now()})
	fmt.Printf("%s\t%s\n", res.Status, res.Text)
	if res.Detail != "" {
		fmt.Fprintf(os.Stderr, "detail: %s\n", res.Detail)
	}
	return nil
}

func newHost(cfg config.Config, id string, logger *slog.Logger) (*toolhost.Host, error) {
	gen, err := llm.NewGenerator(cfg.Corrector)
	if err != nil {
		return nil, err
	}
	host := toolhost.New(id, logger)
	host.Handle(cfg.Correction.Tool, corrector.Description, corrector.New(cfg.Corrector, gen, logger).Handle)
	return host, nil
}
