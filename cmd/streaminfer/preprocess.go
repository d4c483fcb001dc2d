package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"

	"streaminfer/dataset"
	"streaminfer/infer"
)

func preprocessCmd() *cli.Command {
	var (
		inputPath  string
		outputPath string
		numProc    int
		sample     int
		seed       uint64
		longest    int
		lazy       bool
		tryFetch   int
	)

	return &cli.Command{
		Name:  "preprocess",
		Usage: "Encode a JSONL chat dataset into input ids",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "JSONL file with one {\"messages\": [...]} per line",
				Required:    true,
				Destination: &inputPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write encoded examples as JSONL here",
				Destination: &outputPath,
			},
			&cli.IntFlag{
				Name:        "num-proc",
				Usage:       "encoding workers",
				Value:       runtime.NumCPU(),
				Destination: &numProc,
			},
			&cli.IntFlag{
				Name:        "sample",
				Usage:       "resample the dataset to this many examples (-1 = keep)",
				Value:       -1,
				Destination: &sample,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Value:       42,
				Destination: &seed,
			},
			&cli.IntFlag{
				Name:        "longest",
				Usage:       "keep only the N longest encoded examples (0 = all)",
				Destination: &longest,
			},
			&cli.BoolFlag{
				Name:        "lazy",
				Usage:       "encode on access, replacing failed examples with random others",
				Destination: &lazy,
			},
			&cli.IntFlag{
				Name:        "try-fetch",
				Usage:       "attempts per lazy access",
				Value:       20,
				Destination: &tryFetch,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tok, err := loadTokenizer(cfg.Backend.TokenizerDir)
			if err != nil {
				return fmt.Errorf("load tokenizer: %w", err)
			}
			encode := dataset.TemplateEncoder(infer.NewChatMLTemplate(tok, cfg.Engine.SystemPrompt))

			raw, err := dataset.LoadJSONL(inputPath)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, seed))
			raw = dataset.Sample(raw, sample, rng, log)

			var encoded *dataset.Dataset
			if lazy {
				encoded, err = encodeLazily(raw, encode, tryFetch, rng)
			} else {
				p := &dataset.EncodePreprocessor{Encode: encode, NumProc: numProc, Progress: true, Log: log}
				encoded, err = p.Run(ctx, raw)
			}
			if err != nil {
				return err
			}
			if encoded == nil {
				return errors.New("no example could be encoded")
			}
			if longest > 0 {
				encoded = dataset.SortByMaxLength(encoded, longest)
			}
			dataset.Stat(encoded, log)

			if outputPath == "" {
				return nil
			}
			f, err := os.Create(outputPath)
			if err != nil {
				return err
			}
			if err := dataset.WriteJSONL(f, encoded); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

// encodeLazily materialises a LazyDataset, one access per source row.
func encodeLazily(raw *dataset.Dataset, encode dataset.EncodeFunc, tryFetch int, rng *rand.Rand) (*dataset.Dataset, error) {
	lazy, err := dataset.NewLazyDataset(raw, encode, tryFetch, rng, log)
	if err != nil {
		return nil, err
	}
	rows := make([]dataset.Example, 0, lazy.Len())
	for i := range lazy.Len() {
		ex, err := lazy.Get(i)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		rows = append(rows, ex)
	}
	return dataset.New(rows), nil
}
