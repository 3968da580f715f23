package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

func genModelCmd() *cli.Command {
	var (
		out   string
		dtype string
		spec  = device.HostModelSpec{}
	)

	return &cli.Command{
		Name:  "gen-model",
		Usage: "Write a deterministic host reference model to a GGUF file",
		Flags: append(loggingFlags(),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Required: true, Destination: &out},
			&cli.IntFlag{Name: "layers", Usage: "number of decoder blocks", Value: 2, Destination: &spec.Layers},
			&cli.IntFlag{Name: "seq-len", Usage: "maximum sequence length", Value: 64, Destination: &spec.SeqLen},
			&cli.IntFlag{Name: "hidden", Usage: "hidden size", Value: 32, Destination: &spec.Hidden},
			&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: 256, Destination: &spec.Vocab},
			&cli.IntFlag{Name: "candidates", Usage: "penalty head top-k width", Value: 16, Destination: &spec.Candidates},
			&cli.StringFlag{Name: "dtype", Usage: "hidden state dtype (f16, bf16)", Value: "bf16", Destination: &dtype},
			&cli.BoolFlag{Name: "dynamic", Usage: "compile block sub-graphs as dynamic", Destination: &spec.Dynamic},
			&cli.BoolFlag{Name: "io-alone", Usage: "block_cache sub-graphs own their KV inputs", Destination: &spec.IOAlone},
			&cli.IntFlag{Name: "vision-patches", Usage: "vit patch count, 0 disables vision", Destination: &spec.VisionPatches},
			&cli.IntFlag{Name: "vision-dims", Usage: "vit pixel features per patch", Destination: &spec.VisionDims},
			&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: 1, Destination: &spec.Seed},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			dt, err := device.ParseDType(dtype)
			if err != nil {
				return err
			}
			spec.DType = dt
			m, err := device.NewHostModel(spec)
			if err != nil {
				return err
			}
			if err := m.Save(out); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			logger.Log.Info("Model written", "path", out, "layers", spec.Layers, "seq_len", spec.SeqLen,
				"hidden", spec.Hidden, "vocab", spec.Vocab, "dtype", dt.String())
			return nil
		},
	}
}
