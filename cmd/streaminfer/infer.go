package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"streaminfer/dataset"
	"streaminfer/infer"
)

func inferCmd() *cli.Command {
	var (
		prompts     []string
		inputPath   string
		outputPath  string
		stream      bool
		maxTokens   int
		temperature float64
		n           int
		progress    bool
	)

	return &cli.Command{
		Name:  "infer",
		Usage: "Run chat completions for prompts or a JSONL file of conversations",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "user message; repeat for a batch",
				Destination: &prompts,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "JSONL file with one {\"messages\": [...]} per line",
				Destination: &inputPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write responses as JSONL here instead of stdout",
				Destination: &outputPath,
			},
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "print deltas as they are generated",
				Destination: &stream,
			},
			&cli.IntFlag{
				Name:        "max-tokens",
				Usage:       "completion token budget (0 = engine default)",
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Usage:       "sampling temperature (negative = engine default)",
				Value:       -1,
				Destination: &temperature,
			},
			&cli.IntFlag{
				Name:        "n",
				Usage:       "choices per request",
				Value:       1,
				Destination: &n,
			},
			&cli.BoolFlag{
				Name:        "progress",
				Usage:       "show a progress bar",
				Destination: &progress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			reqs, err := loadRequests(prompts, inputPath)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				return errors.New("nothing to infer: pass --prompt or --input")
			}

			b, _, err := openBackend(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			rc := &infer.RequestConfig{N: infer.Ptr(n)}
			if maxTokens > 0 {
				rc.MaxTokens = infer.Ptr(maxTokens)
			}
			if temperature >= 0 {
				rc.Temperature = infer.Ptr(temperature)
			}

			out := io.Writer(os.Stdout)
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			w := bufio.NewWriter(out)
			defer w.Flush()

			stats := infer.NewInferStats()
			opts := []infer.InferOption{infer.WithMetrics(stats), infer.WithProgress(progress)}
			if stream {
				err = runStream(ctx, b.engine, reqs, rc, opts, w)
			} else {
				err = runBatch(ctx, b.engine, reqs, rc, opts, w)
			}
			if err != nil {
				return err
			}
			snap := stats.Snapshot()
			log.Infow("inference finished",
				"requests", snap.NumRequests,
				"prompt_tokens", snap.PromptTokens,
				"completion_tokens", snap.CompletionTokens,
				"runtime", snap.Runtime.String(),
				"tokens_per_second", fmt.Sprintf("%.2f", snap.TokensPerSecond),
			)
			return nil
		},
	}
}

// loadRequests builds one request per prompt followed by one per input row.
func loadRequests(prompts []string, inputPath string) ([]*infer.InferRequest, error) {
	var reqs []*infer.InferRequest
	for _, p := range prompts {
		reqs = append(reqs, &infer.InferRequest{Messages: []infer.Message{{Role: infer.RoleUser, Content: p}}})
	}
	if inputPath == "" {
		return reqs, nil
	}
	d, err := dataset.LoadJSONL(inputPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", inputPath, err)
	}
	for i, ex := range d.All() {
		raw, err := json.Marshal(ex)
		if err != nil {
			return nil, err
		}
		var req infer.InferRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", inputPath, i, err)
		}
		reqs = append(reqs, &req)
	}
	return reqs, nil
}

func runBatch(ctx context.Context, e infer.Engine, reqs []*infer.InferRequest, rc *infer.RequestConfig, opts []infer.InferOption, w io.Writer) error {
	res, err := e.Infer(ctx, reqs, rc, opts...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range res {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// runStream prints each delta as a JSON line tagged with its row.
func runStream(ctx context.Context, e infer.Engine, reqs []*infer.InferRequest, rc *infer.RequestConfig, opts []infer.InferOption, w *bufio.Writer) error {
	seq, err := e.InferStream(ctx, reqs, rc, opts...)
	if err != nil {
		return err
	}
	run := uuid.NewString()
	enc := json.NewEncoder(w)
	for batch, err := range seq {
		if err != nil {
			return err
		}
		for row, delta := range batch {
			if delta == nil {
				continue
			}
			line := struct {
				Run   string                              `json:"run"`
				Row   int                                 `json:"row"`
				Delta *infer.ChatCompletionStreamResponse `json:"delta"`
			}{run, row, delta}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
