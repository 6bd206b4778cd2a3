package main

import (
	"os"

	"github.com/dargueta/flatpack/deflate"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = logrus.New()

func main() {
	app := cli.App{
		Name:  "flatpack",
		Usage: "Create, inspect, and modify GZIP and TAR archives",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log compression decisions and other details",
				EnvVars: []string{"FLATPACK_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "block-mode",
				Usage:   "DEFLATE block type to emit: auto, stored, static, or dynamic",
				Value:   deflate.BlockModeAuto.String(),
				EnvVars: []string{"FLATPACK_BLOCK_MODE"},
			},
			&cli.IntFlag{
				Name:    "max-chain",
				Usage:   "maximum number of match candidates examined per position (0 for no limit)",
				Value:   deflate.DefaultMaxChainLength,
				EnvVars: []string{"FLATPACK_MAX_CHAIN"},
			},
			&cli.IntFlag{
				Name:    "first-chunk-size",
				Usage:   "bytes of input compressed in the first chunk",
				Value:   deflate.DefaultFirstChunkSize,
				EnvVars: []string{"FLATPACK_FIRST_CHUNK_SIZE"},
			},
			&cli.IntFlag{
				Name:    "chunk-size",
				Usage:   "bytes of input compressed in each chunk after the first",
				Value:   deflate.DefaultChunkSize,
				EnvVars: []string{"FLATPACK_CHUNK_SIZE"},
			},
			&cli.BoolFlag{
				Name:    "index-all",
				Usage:   "index every position inside matches (slower, smaller output)",
				EnvVars: []string{"FLATPACK_INDEX_ALL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("debug") {
				logger.SetLevel(logrus.DebugLevel)
				logger.Debug("debug mode enabled")
			}
			return nil
		},
		Commands: []*cli.Command{
			gzipCommand(),
			tarCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		logger.Fatalf("fatal error: %s", err.Error())
	}
}

// codecOptions builds the compressor options from the global flags.
func codecOptions(ctx *cli.Context) ([]deflate.Option, error) {
	mode, err := deflate.ParseBlockMode(ctx.String("block-mode"))
	if err != nil {
		return nil, err
	}
	return []deflate.Option{
		deflate.WithLogger(logger),
		deflate.WithBlockMode(mode),
		deflate.WithMaxChainLength(ctx.Int("max-chain")),
		deflate.WithFirstChunkSize(ctx.Int("first-chunk-size")),
		deflate.WithChunkSize(ctx.Int("chunk-size")),
		deflate.WithIndexAllPositions(ctx.Bool("index-all")),
	}, nil
}
