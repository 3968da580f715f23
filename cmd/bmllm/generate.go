package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-bmllm/internal/arrow_client"
	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/engine"
	"github.com/23skdu/longbow-bmllm/internal/logger"
	"github.com/23skdu/longbow-bmllm/internal/metrics"
	"github.com/23skdu/longbow-bmllm/internal/monitoring"
)

func generateCmd() *cli.Command {
	var (
		tokens            string
		eos               string
		imagePath         string
		mode              string
		maxNewTokens      int
		topP              float64
		temperature       float64
		repetitionPenalty float64
		lastN             int
		seed              int64
		metricsAddr       string
		traceAddr         string
	)

	flags := append(modelFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "tokens", Aliases: []string{"t"}, Usage: "prompt token ids, comma or space separated", Required: true, Destination: &tokens},
		&cli.StringFlag{Name: "eos", Usage: "end-of-sequence token ids", Destination: &eos},
		&cli.StringFlag{Name: "image", Usage: "JSON file with {pixels, patches, offset} to splice through vit", Destination: &imagePath},
		&cli.StringFlag{Name: "mode", Usage: "generation mode (greedy, penalty_sample)", Destination: &mode},
		&cli.IntFlag{Name: "max-new-tokens", Aliases: []string{"n"}, Usage: "token budget", Destination: &maxNewTokens},
		&cli.FloatFlag{Name: "top-p", Usage: "nucleus mass for penalty_sample", Destination: &topP},
		&cli.FloatFlag{Name: "temperature", Usage: "softmax temperature for penalty_sample", Destination: &temperature},
		&cli.FloatFlag{Name: "repetition-penalty", Usage: "penalty applied to recent tokens", Destination: &repetitionPenalty},
		&cli.IntFlag{Name: "last-n", Usage: "repetition window size", Destination: &lastN},
		&cli.Int64Flag{Name: "seed", Usage: "sampling seed", Destination: &seed},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve health and Prometheus metrics on this address", Destination: &metricsAddr},
		&cli.StringFlag{Name: "trace-addr", Usage: "export step traces to this Arrow Flight address", Destination: &traceAddr},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Run prefill and decode over a token prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s := &cfg.Sampling
			if cmd.IsSet("mode") {
				s.Mode = mode
			}
			if cmd.IsSet("max-new-tokens") {
				s.MaxNewTokens = maxNewTokens
			}
			if cmd.IsSet("top-p") {
				s.TopP = topP
			}
			if cmd.IsSet("temperature") {
				s.Temperature = temperature
			}
			if cmd.IsSet("repetition-penalty") {
				s.RepetitionPenalty = repetitionPenalty
			}
			if cmd.IsSet("last-n") {
				s.RepetitionLastN = lastN
			}
			if cmd.IsSet("seed") {
				cfg.Seed = seed
			}
			if cmd.IsSet("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.IsSet("trace-addr") {
				cfg.TraceAddr = traceAddr
			}

			prompt, err := parseTokens(tokens)
			if err != nil {
				return err
			}
			stops, err := parseTokens(eos)
			if err != nil {
				return err
			}
			var img *engine.Image
			if imagePath != "" {
				if img, err = readImage(imagePath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGenerate(ctx, cfg, prompt, stops, img)
		},
	}
}

func readImage(path string) (*engine.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	var in struct {
		Pixels  []float32 `json:"pixels"`
		Patches int       `json:"patches"`
		Offset  int       `json:"offset"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse image %s: %w", path, err)
	}
	return &engine.Image{Pixels: in.Pixels, Patches: in.Patches, Offset: in.Offset}, nil
}

func runGenerate(ctx context.Context, cfg config.Config, prompt, stops []int, img *engine.Image) error {
	_, rt, err := loadRuntime(cfg.ModelPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	metrics.RecordDeviceMemory(rt.AllocatedBytes())

	var (
		monitor  *monitoring.HealthMonitor
		recorder *arrow_client.TraceRecorder
	)
	if cfg.TraceAddr != "" {
		client, err := arrow_client.NewFlightClientAddr(cfg.TraceAddr)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		recorder = arrow_client.NewTraceRecorder(client, nil, 64)
	}

	var e *engine.Engine
	status := func() engine.Status { return e.Status() }
	if cfg.MetricsAddr != "" {
		monitor = monitoring.NewHealthMonitor(version, status)
	}
	var tracers []engine.Tracer
	if monitor != nil {
		tracers = append(tracers, monitor)
	}
	if recorder != nil {
		tracers = append(tracers, recorder)
	}
	e, err = engine.NewEngine(rt, cfg, engine.WithTracer(engine.Tracers(tracers...)))
	if err != nil {
		return err
	}
	defer e.Close()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	if monitor != nil {
		g.Go(func() error { return monitor.Start(cfg.MetricsAddr) })
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return monitor.Stop(sctx)
		})
	}
	if recorder != nil {
		g.Go(func() error { return recorder.Run(runCtx, time.Second) })
	}

	g.Go(func() error {
		defer finish()
		start := time.Now()
		res, err := generate(runCtx, e, prompt, stops, img)
		fmt.Println()
		elapsed := time.Since(start)
		logger.Log.Info("Generation finished",
			"tokens", len(res.Tokens),
			"reason", string(res.Reason),
			"elapsed", elapsed,
			"tokens_per_sec", float64(len(res.Tokens))/elapsed.Seconds(),
		)
		return err
	})
	return g.Wait()
}

// generate streams tokens to stdout as they are produced.
func generate(ctx context.Context, e *engine.Engine, prompt, stops []int, img *engine.Image) (engine.GenerateResult, error) {
	opts := engine.GenerateOptions{EOS: stops, Image: img}
	return e.Generate(ctx, prompt, opts, func(tok int) bool {
		fmt.Printf("%d ", tok)
		return true
	})
}
