package main

import (
	"bufio"
	"errors"
	"os"
	"strings"

	"github.com/dargueta/flatpack"
	"github.com/dargueta/flatpack/gzip"
	"github.com/dargueta/flatpack/tar"
	"github.com/urfave/cli/v2"
)

func gzipCommand() *cli.Command {
	open := func(ctx *cli.Context, path string) (archive, error) {
		opts, err := codecOptions(ctx)
		if err != nil {
			return nil, err
		}
		return gzip.OpenArchive(path, logger, opts...), nil
	}

	commands := []*cli.Command{
		{
			Name:      "compress",
			Usage:     "Compress a file into a new single-member GZIP file",
			ArgsUsage: "FILE [DEST]\n\nDEST defaults to FILE with \".gz\" appended.",
			Action:    compressFile,
		},
		{
			Name:      "decompress",
			Usage:     "Decompress every member of a GZIP file into one output file",
			ArgsUsage: "ARCHIVE [DEST]\n\nDEST defaults to ARCHIVE without its \".gz\" suffix.",
			Action:    decompressFile,
		},
	}

	return &cli.Command{
		Name:        "gzip",
		Usage:       "Work with GZIP files",
		Subcommands: append(commands, archiveCommands(open)...),
	}
}

func tarCommand() *cli.Command {
	open := func(ctx *cli.Context, path string) (archive, error) {
		return tar.OpenArchive(path, logger), nil
	}
	return &cli.Command{
		Name:        "tar",
		Usage:       "Work with TAR archives",
		Subcommands: archiveCommands(open),
	}
}

func compressFile(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 2); err != nil {
		return err
	}
	opts, err := codecOptions(ctx)
	if err != nil {
		return err
	}

	source := ctx.Args().First()
	dest := ctx.Args().Get(1)
	if dest == "" {
		dest = source + ".gz"
	}

	info, err := gzip.CompressFile(source, dest, opts...)
	if err != nil {
		return err
	}
	logger.WithField("ratio", ratio(info)).Infof(
		"compressed %d bytes to %d", info.DecompressedSize, info.TotalSize)
	return nil
}

func ratio(info flatpack.MemberInfo) float64 {
	if info.DecompressedSize == 0 {
		return 0
	}
	return float64(info.TotalSize) / float64(info.DecompressedSize)
}

func decompressFile(ctx *cli.Context) (err error) {
	if err = requireArgs(ctx, 1, 2); err != nil {
		return err
	}
	opts, err := codecOptions(ctx)
	if err != nil {
		return err
	}

	source := ctx.Args().First()
	dest := ctx.Args().Get(1)
	if dest == "" {
		dest = strings.TrimSuffix(source, ".gz")
		if dest == source {
			return cli.Exit("can't guess the output name; give DEST explicitly", 1)
		}
	}

	input, err := os.Open(source)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer input.Close()

	output, err := os.Create(dest)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	keepOutput := false
	defer func() {
		closeErr := output.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil && !keepOutput {
			err = flatpack.WithCleanupError(err, os.Remove(dest))
		}
	}()

	writer := bufio.NewWriter(output)
	total, err := gzip.DecompressStream(bufio.NewReader(input), writer, opts...)
	if flushErr := writer.Flush(); flushErr != nil && err == nil {
		err = flatpack.ErrIOFailed.Wrap(flushErr)
	}
	if err != nil {
		keepOutput = errors.Is(err, flatpack.ErrChecksumMismatch)
		return checkMismatch(err)
	}

	logger.Infof("decompressed %d bytes to %s", total, dest)
	return nil
}
