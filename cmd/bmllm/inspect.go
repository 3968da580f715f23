package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/engine"
	"github.com/23skdu/longbow-bmllm/internal/gguf"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

type inspectReport struct {
	Model    *gguf.AnalysisReport `json:"model"`
	Tensors  []*gguf.TensorStats  `json:"tensors"`
	Issues   []string             `json:"issues,omitempty"`
	Missing  []string             `json:"missing_tensors,omitempty"`
	Topology *engine.Topology     `json:"topology,omitempty"`
	Subgraph []string             `json:"subgraphs,omitempty"`
}

func inspectCmd() *cli.Command {
	var asJSON bool
	flags := append(modelFlags(), loggingFlags()...)
	flags = append(flags, &cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON})

	return &cli.Command{
		Name:  "inspect",
		Usage: "Validate a model file and print its metadata and derived topology",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			report, err := inspect(cfg)
			if err != nil {
				return err
			}
			return writeReport(os.Stdout, report, asJSON)
		},
	}
}

func inspect(cfg config.Config) (*inspectReport, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model: pass --model or set model_path")
	}
	f, err := gguf.LoadFile(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a := gguf.NewMetadataAnalyzer(f)
	analysis, err := a.Analyze()
	if err != nil {
		return nil, err
	}
	report := &inspectReport{Model: analysis, Issues: a.ValidateTensors()}
	for _, t := range f.Tensors {
		st, err := a.ComputeStats(t.Name)
		if err != nil {
			report.Issues = append(report.Issues, err.Error())
			continue
		}
		report.Tensors = append(report.Tensors, st)
	}

	m, err := device.HostModelFromGGUF(f)
	if err != nil {
		report.Issues = append(report.Issues, err.Error())
		return report, nil
	}
	report.Missing = a.FindMissingTensors(device.RequiredTensors(m.Spec))
	rt, err := m.Runtime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	// Building an engine runs the same sub-graph checks a decode would.
	e, err := engine.NewEngine(rt, cfg, engine.WithLogger(logger.New(io.Discard, "json")))
	if err != nil {
		report.Issues = append(report.Issues, err.Error())
		return report, nil
	}
	defer e.Close()
	topo := e.Topology()
	report.Topology = &topo
	report.Subgraph = rt.SubgraphNames()
	return report, nil
}

func writeReport(w io.Writer, r *inspectReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprint(w, r.Model.String())
	fmt.Fprintln(w, "\nTensors:")
	for _, t := range r.Tensors {
		fmt.Fprintf(w, "  %-24s %-5s %v min=%.4f max=%.4f mean=%.4f\n",
			t.Name, t.Type, t.Dimensions, t.MinValue, t.MaxValue, t.MeanValue)
		if t.HasNaN || t.HasInf {
			fmt.Fprintf(w, "    non-finite values: nan=%t inf=%t\n", t.HasNaN, t.HasInf)
		}
	}
	if t := r.Topology; t != nil {
		fmt.Fprintln(w, "\nTopology:")
		fmt.Fprintf(w, "  layers=%d seq_len=%d hidden=%d vocab=%d\n", t.NumLayers, t.SeqLen, t.HiddenSize, t.Vocab)
		fmt.Fprintf(w, "  kv_stride=%dB hidden_stride=%dB dtype=%s dynamic=%t cache=%s\n",
			t.KVStrideBytes, t.HiddenStrideBytes, t.HiddenDType, t.Dynamic, t.CacheMode)
		if t.VisionPatches > 0 {
			fmt.Fprintf(w, "  vision: %d patches x %d dims\n", t.VisionPatches, t.VisionDims)
		}
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "\nMissing tensors: %v\n", r.Missing)
	}
	if len(r.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, is := range r.Issues {
			fmt.Fprintf(w, "  - %s\n", is)
		}
	}
	return nil
}
