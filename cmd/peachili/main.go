package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tebeka/atexit"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler"
	"github.com/peachili/peachili/compiler/config"
	"github.com/peachili/peachili/compiler/inspect"
)

func main() {
	stageFlags := []*cli.Flag{
		cli.NewFlag("target", "", "target architecture (default x86_64)"),
		cli.NewFlag("output,o", "", "output file"),
		cli.NewFlag("dump-ir", false, "print the IR as assembly text"),
		cli.NewFlag("S", false, "stop after producing assembly text"),
		cli.NewFlag("c", false, "stop after producing the unlinked object"),
	}

	compileCmd := &cli.Command{
		Name:        "compile",
		Description: "compile a single IR file",
		Action:      compileAct,
		Args:        cli.Args{},
		Flags:       stageFlags,
	}

	buildCmd := &cli.Command{
		Name:        "build",
		Description: "build the project described by the config file",
		Action:      buildAct,
		Flags: append([]*cli.Flag{
			cli.NewFlag("config", config.DefaultFile, "project file"),
		}, stageFlags...),
	}

	inspectCmd := &cli.Command{
		Name:        "inspect",
		Description: "print headers, segments, sections and symbols of ELF files",
		Action:      inspectAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "peachili",
		Description: "peachili is an x86-64 backend producing static ELF executables",
		Before:      before,
		Flags: []*cli.Flag{
			cli.NewFlag("log", "stderr", "log output file"),
			cli.NewFlag("verbosity,v", "", "logger verbosity topics"),
		},
		Commands: []*cli.Command{
			compileCmd,
			buildCmd,
			inspectCmd,
		},
	}

	err := cli.Run(app, os.Args, os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func before(c *cli.Command) error {
	var w io.Writer = os.Stderr

	switch q := c.String("log"); q {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.Create(q)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}

		atexit.Register(func() {
			_ = f.Close()
		})

		w = f
	}

	tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(w, tlog.LstdFlags))

	tlog.SetVerbosity(c.String("verbosity"))

	return nil
}

func compileAct(c *cli.Command) (err error) {
	if len(c.Args) == 0 {
		return errors.New("no input files")
	}

	for _, a := range c.Args {
		opts := options(c, config.Default())
		opts.Source = a

		err = build(opts)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}
	}

	return nil
}

func buildAct(c *cli.Command) (err error) {
	base, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	opts := options(c, base)

	err = build(opts)
	if err != nil {
		return errors.Wrap(err, "build %v", opts.Source)
	}

	return nil
}

func inspectAct(c *cli.Command) (err error) {
	for _, a := range c.Args {
		data, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		err = inspect.Write(os.Stdout, data)
		if err != nil {
			return errors.Wrap(err, "inspect %v", a)
		}
	}

	return nil
}

func build(opts config.Options) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	a, err := compiler.CompileFile(ctx, opts)
	if err != nil {
		return err
	}

	if a.IR != nil && a.Stage != config.StageAssembly {
		_, err = os.Stdout.Write(a.IR)
		if err != nil {
			return errors.Wrap(err, "dump ir")
		}
	}

	return compiler.WriteArtifact(ctx, opts.OutputName(), a)
}

// options applies command line flags over o.
func options(c *cli.Command, o config.Options) config.Options {
	if q := c.String("target"); q != "" {
		o.Target = config.Arch(q)
	}

	if q := c.String("output"); q != "" {
		o.Output = q
	}

	o.DumpIR = o.DumpIR || c.Bool("dump-ir")
	o.StopAssemble = o.StopAssemble || c.Bool("S")
	o.StopLink = o.StopLink || c.Bool("c")

	return o
}
