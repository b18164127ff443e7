package compiler

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler/asm"
	"github.com/peachili/peachili/compiler/config"
	"github.com/peachili/peachili/compiler/format"
	"github.com/peachili/peachili/compiler/ir"
	"github.com/peachili/peachili/compiler/irfile"
	"github.com/peachili/peachili/compiler/link"
)

type (
	// Artifact is the result of the last stage run.
	Artifact struct {
		Stage config.Stage
		Data  []byte

		// IR is the module text if Options.DumpIR is set.
		IR []byte
	}
)

func CompileFile(ctx context.Context, opts config.Options) (a Artifact, err error) {
	if opts.Source == "" {
		return a, errors.New("no source file")
	}

	m, err := irfile.ReadFile(ctx, opts.Source)
	if err != nil {
		return a, errors.Wrap(err, "read ir")
	}

	return Compile(ctx, opts, m)
}

// Compile runs the backend over m up to the stage selected by opts.
// Nothing is returned but an error if any stage fails.
func Compile(ctx context.Context, opts config.Options, m *ir.Module) (a Artifact, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "target", opts.Target, "stage", opts.Stage())
	defer tr.Finish("err", &err)

	if _, err = config.ParseArch(string(opts.Target)); err != nil {
		return a, err
	}

	err = m.Validate()
	if err != nil {
		return a, errors.Wrap(err, "validate")
	}

	a.Stage = opts.Stage()

	if opts.DumpIR || a.Stage == config.StageAssembly {
		text, err := format.Format(ctx, nil, m)
		if err != nil {
			return a, errors.Wrap(err, "format")
		}

		if opts.DumpIR {
			a.IR = text
		}

		if a.Stage == config.StageAssembly {
			a.Data = text

			return a, nil
		}
	}

	o, err := asm.Assemble(ctx, m)
	if err != nil {
		return a, errors.Wrap(err, "assemble")
	}

	if a.Stage == config.StageObject {
		f, err := o.ELF()
		if err != nil {
			return a, errors.Wrap(err, "object")
		}

		a.Data, err = f.Serialize()
		if err != nil {
			return a, errors.Wrap(err, "serialize object")
		}

		return a, nil
	}

	a.Data, err = link.Link(ctx, o)
	if err != nil {
		return a, errors.Wrap(err, "link")
	}

	return a, nil
}

// WriteArtifact writes a to name with the stage's file mode.
// The file is replaced atomically so a failed write leaves nothing behind.
func WriteArtifact(ctx context.Context, name string, a Artifact) (err error) {
	tr := tlog.SpanFromContext(ctx)

	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	_, err = tmp.Write(a.Data)
	if err != nil {
		return errors.Wrap(err, "write")
	}

	err = unix.Fchmod(int(tmp.Fd()), uint32(a.Stage.Mode()))
	if err != nil {
		return errors.Wrap(err, "chmod")
	}

	err = tmp.Close()
	if err != nil {
		return errors.Wrap(err, "close")
	}

	err = os.Rename(tmp.Name(), name)
	if err != nil {
		return errors.Wrap(err, "rename")
	}

	tr.Printw("written", "name", name, "stage", a.Stage, "size", len(a.Data), "mode", a.Stage.Mode())

	return nil
}
