package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dargueta/flatpack"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// exitChecksumMismatch is the exit status when extraction finished but some
// output failed verification.
const exitChecksumMismatch = 3

// archive is implemented by both container formats.
type archive interface {
	flatpack.Archive
	ExtractAll(destDir string, progress *flatpack.Progress) error
}

type archiveOpener func(ctx *cli.Context, path string) (archive, error)

var selectorFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "name",
		Aliases: []string{"n"},
		Usage:   "select the member with this name",
	},
	&cli.IntFlag{
		Name:    "index",
		Aliases: []string{"i"},
		Usage:   "select the member at this zero-based position",
		Value:   -1,
	},
}

// memberSelector gets the member selected with --name or --index. The second
// return value is false if neither was given.
func memberSelector(ctx *cli.Context) (flatpack.MemberSelector, bool, error) {
	switch {
	case ctx.IsSet("name") && ctx.IsSet("index"):
		return flatpack.MemberSelector{}, false, cli.Exit("--name and --index are mutually exclusive", 1)
	case ctx.IsSet("name"):
		return flatpack.ByName(ctx.String("name")), true, nil
	case ctx.IsSet("index"):
		return flatpack.ByIndex(ctx.Int("index")), true, nil
	}
	return flatpack.MemberSelector{}, false, nil
}

// newProgress returns a Progress that logs every time the completion
// percentage crosses a multiple of 10.
func newProgress() *flatpack.Progress {
	lastLogged := -10
	return flatpack.NewProgress(func(percent int, status string) {
		if percent/10 == lastLogged/10 {
			return
		}
		lastLogged = percent
		logger.WithFields(logrus.Fields{"percent": percent}).Info(status)
	})
}

func requireArgs(ctx *cli.Context, min, max int) error {
	count := ctx.Args().Len()
	if count < min || (max >= 0 && count > max) {
		return cli.Exit(
			fmt.Sprintf("wrong number of arguments\nusage: %s %s", ctx.Command.FullName(), ctx.Command.ArgsUsage),
			1)
	}
	return nil
}

// checkMismatch turns checksum mismatches into a warning and a distinct exit
// status.
func checkMismatch(err error) error {
	if err != nil && errors.Is(err, flatpack.ErrChecksumMismatch) {
		logger.Warn(err.Error())
		return cli.Exit("some members failed verification", exitChecksumMismatch)
	}
	return err
}

func printMembers(output io.Writer, members []flatpack.MemberInfo, asCSV bool) error {
	if asCSV {
		return gocsv.Marshal(&members, output)
	}

	table := tabwriter.NewWriter(output, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(table, "INDEX\tOFFSET\tSTORED\tSIZE\tMODE\tMODIFIED\t NAME")
	for _, member := range members {
		modified := "-"
		if !member.ModTime.IsZero() {
			modified = member.ModTime.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(
			table,
			"%d\t%d\t%d\t%d\t%s\t%s\t %s\n",
			member.Index,
			member.StartOffset,
			member.CompressedSize,
			member.DecompressedSize,
			member.FileMode(),
			modified,
			member.Name)
	}
	return table.Flush()
}

// archiveCommands builds the subcommands shared by both container formats.
func archiveCommands(open archiveOpener) []*cli.Command {
	return []*cli.Command{
		{
			Name:      "list",
			Usage:     "List the members of an archive",
			ArgsUsage: "ARCHIVE",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "csv", Usage: "print the listing as CSV"},
			},
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, 1, 1); err != nil {
					return err
				}
				target, err := open(ctx, ctx.Args().First())
				if err != nil {
					return err
				}
				members, err := target.ListMembers()
				if err != nil {
					return err
				}
				return printMembers(ctx.App.Writer, members, ctx.Bool("csv"))
			},
		},
		{
			Name:      "add",
			Usage:     "Add files to an archive, creating it if needed",
			ArgsUsage: "ARCHIVE FILE...",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, 2, -1); err != nil {
					return err
				}
				target, err := open(ctx, ctx.Args().First())
				if err != nil {
					return err
				}
				for _, path := range ctx.Args().Tail() {
					if err = target.AddMember(path, newProgress()); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "extract",
			Usage: "Extract one member, or all of them if no member is selected",
			ArgsUsage: "ARCHIVE [DEST]\n\n" +
				"DEST defaults to the current directory when extracting everything.",
			Flags: selectorFlags,
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, 1, 2); err != nil {
					return err
				}
				target, err := open(ctx, ctx.Args().First())
				if err != nil {
					return err
				}
				selector, selected, err := memberSelector(ctx)
				if err != nil {
					return err
				}

				dest := ctx.Args().Get(1)
				if !selected {
					if dest == "" {
						dest = "."
					}
					return checkMismatch(target.ExtractAll(dest, newProgress()))
				}
				if dest == "" {
					return cli.Exit("DEST is required when extracting a single member", 1)
				}
				return checkMismatch(target.ExtractMember(selector, dest, newProgress()))
			},
		},
		{
			Name:      "delete",
			Usage:     "Delete a member from an archive",
			ArgsUsage: "ARCHIVE",
			Flags:     selectorFlags,
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, 1, 1); err != nil {
					return err
				}
				target, err := open(ctx, ctx.Args().First())
				if err != nil {
					return err
				}
				selector, selected, err := memberSelector(ctx)
				if err != nil {
					return err
				}
				if !selected {
					return cli.Exit("select a member with --name or --index", 1)
				}
				return target.DeleteMember(selector, newProgress())
			},
		},
	}
}
