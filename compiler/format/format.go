package format

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler/ir"
)

// Format appends AT&T assembly text of x to b.
// x is *ir.Module, *ir.Func, *ir.Block or ir.Instr.
func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Module:
		return formatModule(ctx, b, x, d)
	case *ir.Func:
		return formatFunc(ctx, b, x, d)
	case *ir.Block:
		return formatBlock(ctx, b, "", x, d)
	case ir.Instr:
		return formatInstr(ctx, b, "", x, d)
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatModule(ctx context.Context, b []byte, m *ir.Module, d int) (_ []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "format", "funcs", len(m.Funcs))
	defer tr.Finish("err", &err)

	b = app(b, d+1, ".text\n")

	for _, f := range m.Funcs {
		b = append(b, '\n')

		b, err = formatFunc(ctx, b, f, d)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	seen := map[ir.LiteralID]struct{}{}
	hdr := false

	for _, f := range m.Funcs {
		for _, l := range f.Literals() {
			if _, ok := seen[l.ID]; ok {
				continue
			}

			seen[l.ID] = struct{}{}

			if !hdr {
				b = append(b, '\n')
				b = app(b, d+1, ".section .rodata\n")
				hdr = true
			}

			b = app(b, d, "%s:\n", l.ID.Label())
			b = app(b, d+1, ".string ")
			b = quote(b, l.Data)
			b = append(b, '\n')
		}
	}

	return b, nil
}

func formatFunc(ctx context.Context, b []byte, f *ir.Func, d int) (_ []byte, err error) {
	b = app(b, d+1, ".global %s\n", f.Name)
	b = app(b, d, "%s:\n", f.Name)

	for _, blk := range f.Blocks {
		b, err = formatBlock(ctx, b, f.Name, blk, d)
		if err != nil {
			return nil, errors.Wrap(err, "block %v", blk.Name)
		}
	}

	return b, nil
}

func formatBlock(ctx context.Context, b []byte, fn string, blk *ir.Block, d int) (_ []byte, err error) {
	b = app(b, d, "%s:\n", label(fn, blk.Name))

	for i, x := range blk.Code {
		b, err = formatInstr(ctx, b, fn, x, d+1)
		if err != nil {
			return nil, errors.Wrap(err, "instr %d", i)
		}
	}

	return b, nil
}

func formatInstr(ctx context.Context, b []byte, fn string, x ir.Instr, d int) ([]byte, error) {
	switch x := x.(type) {
	case ir.Add:
		return binary(b, d, "add", x.W, x.Src, x.Dst), nil
	case ir.Sub:
		return binary(b, d, "sub", x.W, x.Src, x.Dst), nil
	case ir.Mov:
		return binary(b, d, "mov", x.W, x.Src, x.Dst), nil
	case ir.Cmp:
		return binary(b, d, "cmp", x.W, x.Src, x.Dst), nil
	case ir.IMul:
		return binary(b, d, "imul", x.W, x.Src, x.Dst), nil
	case ir.Lea:
		return binary(b, d, "lea", x.W, x.Src, x.Dst), nil
	case ir.LeaLiteral:
		b = app(b, d, "leaq %s(%%rip), ", x.Literal.Label())
		b = x.Dst.AppendATT(b, ir.QWord)

		return append(b, '\n'), nil
	case ir.IDiv:
		return unary(b, d, "idiv", x.W, x.Src), nil
	case ir.Neg:
		return unary(b, d, "neg", x.W, x.Dst), nil
	case ir.Inc:
		return unary(b, d, "inc", x.W, x.Dst), nil
	case ir.Push:
		return unary(b, d, "push", x.W, x.Src), nil
	case ir.Pop:
		return unary(b, d, "pop", x.W, x.Dst), nil
	case ir.Call:
		return app(b, d, "call %s\n", x.Target), nil
	case ir.Jmp:
		return app(b, d, "jmp %s\n", label(fn, x.Target)), nil
	case ir.Jcc:
		return app(b, d, "j%v %s\n", x.Cond, label(fn, x.Target)), nil
	case ir.Ret:
		return app(b, d, "ret\n"), nil
	case ir.Cqo:
		return app(b, d, "cqto\n"), nil
	case ir.Syscall:
		return app(b, d, "syscall\n"), nil
	case ir.Raw:
		b = app(b, d, ".byte ")

		for i, c := range x.Bytes {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = hfmt.Appendf(b, "0x%02x", c)
		}

		return append(b, '\n'), nil
	default:
		return nil, errors.New("unsupported instr: %T", x)
	}
}

func binary(b []byte, d int, op string, w ir.Width, src, dst ir.Operand) []byte {
	b = app(b, d, "%s%s ", op, w.Suffix())
	b = src.AppendATT(b, w)
	b = append(b, ", "...)
	b = dst.AppendATT(b, w)

	return append(b, '\n')
}

func unary(b []byte, d int, op string, w ir.Width, x ir.Operand) []byte {
	b = app(b, d, "%s%s ", op, w.Suffix())
	b = x.AppendATT(b, w)

	return append(b, '\n')
}

// quote appends s as a GNU as string.
// Bytes outside printable ASCII are written as three digit octal escapes.
func quote(b []byte, s string) []byte {
	b = append(b, '"')

	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"', c == '\\':
			b = append(b, '\\', c)
		case c == '\n':
			b = append(b, '\\', 'n')
		case c >= 0x20 && c < 0x7f:
			b = append(b, c)
		default:
			b = append(b, '\\', '0'+c>>6, '0'+c>>3&7, '0'+c&7)
		}
	}

	return append(b, '"')
}

func label(fn, blk string) string {
	if fn == "" {
		return blk
	}

	return fn + "." + blk
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t"

	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)

	return b
}
