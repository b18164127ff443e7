package asm

import (
	"context"
	delf "debug/elf"
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler/ir"
	"github.com/peachili/peachili/compiler/obj"
)

type (
	assembler struct {
		o *obj.Object

		text, rodata obj.SectionID

		lits map[ir.LiteralID]string
	}

	funContext struct {
		*ir.Func

		labels   map[string]int
		branches []ref
	}

	UnsupportedEncodingError struct {
		Instr  ir.Instr
		Reason string
		Err    error
	}
)

// Assemble encodes m into .text and .rodata of a new object.
// Calls and literal addresses are left as PC32 relocations.
// Branches inside a function are resolved here.
func Assemble(ctx context.Context, m *ir.Module) (o *obj.Object, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "assemble", "funcs", len(m.Funcs))
	defer tr.Finish("err", &err)

	a := &assembler{
		o:    obj.New(),
		lits: make(map[ir.LiteralID]string),
	}

	a.text = a.o.AddSection(obj.Text, delf.SHF_ALLOC|delf.SHF_EXECINSTR, 16)
	a.rodata = a.o.AddSection(obj.Rodata, delf.SHF_ALLOC, 1)

	for _, f := range m.Funcs {
		err = a.assembleFunc(ctx, f)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	if tr.If("dump_obj") {
		for id, s := range a.o.Symbols {
			tr.Printw("symbol", "id", id, "name", s.Name, "bind", s.Bind, "section", s.Section, "value", tlog.FormatNext("%#x"), s.Value, "size", s.Size)
		}

		for _, r := range a.o.Relocs {
			tr.Printw("reloc", "section", r.Section, "off", tlog.FormatNext("%#x"), r.Off, "sym", a.o.Symbols[r.Symbol].Name, "addend", r.Addend)
		}
	}

	tr.Printw("assembled", "text", len(a.o.Section(a.text).Data), "rodata", len(a.o.Section(a.rodata).Data), "symbols", len(a.o.Symbols), "relocs", len(a.o.Relocs))

	return a.o, nil
}

func (a *assembler) assembleFunc(ctx context.Context, fn *ir.Func) (err error) {
	tr := tlog.SpanFromContext(ctx)

	text := a.o.Section(a.text)
	start := len(text.Data)

	sym, err := a.o.Define(fn.Name, obj.Global, delf.STT_FUNC, a.text, uint64(start))
	if err != nil {
		return err
	}

	f := &funContext{
		Func:   fn,
		labels: make(map[string]int, len(fn.Blocks)),
	}

	for _, blk := range fn.Blocks {
		f.labels[blk.Name] = len(text.Data)

		_, err = a.o.Define(blockLabel(fn.Name, blk.Name), obj.Local, delf.STT_NOTYPE, a.text, uint64(len(text.Data)))
		if err != nil {
			return errors.Wrap(err, "block %v", blk.Name)
		}

		for i, x := range blk.Code {
			at := len(text.Data)

			var r ref

			text.Data, r, err = encode(text.Data, x)
			if err != nil {
				return errors.Wrap(err, "block %v: instr %d", blk.Name, i)
			}

			tr.V("encode").Printw("instr", "func", fn.Name, "block", blk.Name, "off", tlog.FormatNext("%#x"), at, "op", x.Op(), "code", tlog.FormatNext("% x"), text.Data[at:])

			err = a.reference(f, r)
			if err != nil {
				return errors.Wrap(err, "block %v: instr %d", blk.Name, i)
			}
		}
	}

	for _, r := range f.branches {
		err = a.patchBranch(ctx, f, r)
		if err != nil {
			return err
		}
	}

	a.o.Symbol(sym).Size = uint64(len(text.Data) - start)

	for _, l := range fn.Literals() {
		err = a.addLiteral(l)
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *assembler) reference(f *funContext, r ref) error {
	switch r.Kind {
	case refNone:
	case refCall:
		a.o.AddReloc(obj.Reloc{
			Section: a.text,
			Off:     uint64(r.At),
			Symbol:  a.o.Reference(r.Name),
			Kind:    delf.R_X86_64_PC32,
			Addend:  -4,
		})
	case refLiteral:
		if _, ok := f.LiteralByID(r.Lit); !ok {
			return obj.UndefinedSymbolError{Name: r.Lit.Label()}
		}

		a.o.AddReloc(obj.Reloc{
			Section: a.text,
			Off:     uint64(r.At),
			Symbol:  a.o.Reference(r.Lit.Label()),
			Kind:    delf.R_X86_64_PC32,
			Addend:  -4,
		})
	case refBranch:
		f.branches = append(f.branches, r)
	default:
		panic(r.Kind)
	}

	return nil
}

func (a *assembler) patchBranch(ctx context.Context, f *funContext, r ref) error {
	target, ok := f.labels[r.Name]
	if !ok {
		return obj.UndefinedSymbolError{Name: blockLabel(f.Name, r.Name)}
	}

	text := a.o.Section(a.text)
	disp := target - (r.At + 4)

	binary.LittleEndian.PutUint32(text.Data[r.At:], uint32(int32(disp)))

	if tr := tlog.SpanFromContext(ctx); tr.If("fixup") {
		tr.Printw("branch fixed", "at", tlog.FormatNext("%#x"), r.At, "target", r.Name, "disp", disp, "from", loc.Caller(1))
	}

	return nil
}

func (a *assembler) addLiteral(l ir.Literal) error {
	if prev, ok := a.lits[l.ID]; ok {
		if prev != l.Data {
			return ir.LiteralCollisionError{ID: l.ID, Have: prev, Data: l.Data}
		}

		return nil
	}

	a.lits[l.ID] = l.Data

	ro := a.o.Section(a.rodata)
	off := len(ro.Data)

	ro.Data = append(ro.Data, l.Data...)
	ro.Data = append(ro.Data, 0)

	id, err := a.o.Define(l.ID.Label(), obj.Local, delf.STT_OBJECT, a.rodata, uint64(off))
	if err != nil {
		return errors.Wrap(err, "literal")
	}

	a.o.Symbol(id).Size = uint64(len(l.Data) + 1)

	return nil
}

func blockLabel(fn, blk string) string {
	return fn + "." + blk
}

func (e UnsupportedEncodingError) Error() string {
	var op string
	if e.Instr != nil {
		op = e.Instr.Op().String()
	}

	if e.Err != nil {
		return fmt.Sprintf("unsupported encoding: %v: %s: %v", op, e.Reason, e.Err)
	}

	return fmt.Sprintf("unsupported encoding: %v: %s", op, e.Reason)
}

func (e UnsupportedEncodingError) Unwrap() error { return e.Err }
