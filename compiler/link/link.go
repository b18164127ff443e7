package link

import (
	"context"
	delf "debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler/elf"
	"github.com/peachili/peachili/compiler/obj"
	"github.com/peachili/peachili/compiler/set"
)

type (
	Step int

	// Linker turns one assembled object into an executable.
	// Steps must be called in order, each exactly once.
	Linker struct {
		Base     uint64
		PageSize uint64

		o *obj.Object
		f *elf.File

		text   obj.SectionID
		rodata obj.SectionID // obj.NoSection if there are no literals

		entry uint64

		done set.Bits[Step]
	}

	UndefinedSymbolError = obj.UndefinedSymbolError
	MissingSectionError  = obj.MissingSectionError

	MissingEntryPointError struct {
		Name string
	}

	StepOrderError struct {
		Step Step
		Need Step
	}

	RelocationError struct {
		Symbol string
		Off    uint64
		Reason string
	}
)

const (
	StepInitSegments Step = iota
	StepAllocateSymbols
	StepResolveRelocations
	StepShiftSections
	StepPadNullRegion
	StepFinalizeHeader
	StepWriteEntry
	StepSerialize
)

const (
	Base       = 0x400000
	PageSize   = 0x1000
	EntryPoint = "initialize"
)

var stepNames = [...]string{
	StepInitSegments:       "init_segments",
	StepAllocateSymbols:    "allocate_symbols",
	StepResolveRelocations: "resolve_relocations",
	StepShiftSections:      "shift_sections",
	StepPadNullRegion:      "pad_null_region",
	StepFinalizeHeader:     "finalize_header",
	StepWriteEntry:         "write_entry",
	StepSerialize:          "serialize",
}

// Link consumes o and returns the executable image.
// o must not be used afterwards.
func Link(ctx context.Context, o *obj.Object) (b []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "link", "symbols", len(o.Symbols), "relocs", len(o.Relocs))
	defer tr.Finish("err", &err)

	l := New(o)

	for _, step := range []func(context.Context) error{
		l.InitSegments,
		l.AllocateSymbols,
		l.ResolveRelocations,
		l.ShiftSections,
		l.PadNullRegion,
		l.FinalizeHeader,
		l.WriteEntry,
	} {
		err = step(ctx)
		if err != nil {
			return nil, err
		}
	}

	b, err = l.Serialize(ctx)
	if err != nil {
		return nil, err
	}

	tr.Printw("linked", "size", len(b), "entry", tlog.FormatNext("%#x"), l.entry)

	return b, nil
}

func New(o *obj.Object) *Linker {
	return &Linker{
		Base:     Base,
		PageSize: PageSize,

		o: o,

		text:   obj.NoSection,
		rodata: obj.NoSection,
	}
}

// InitSegments creates the LOAD segment for .text
// and a read-only one for .rodata if it has any data.
func (l *Linker) InitSegments(ctx context.Context) (err error) {
	if err = l.step(StepInitSegments); err != nil {
		return err
	}

	l.text, err = l.o.SectionByName(obj.Text)
	if err != nil {
		return err
	}

	l.f = elf.New(delf.ET_EXEC)

	text := l.o.Section(l.text)
	text.Addr = l.Base

	l.f.AddSection(&elf.Section{
		Name:  text.Name,
		Type:  delf.SHT_PROGBITS,
		Flags: text.Flags,
		Align: text.Align,
		Data:  text.Data,
	})

	l.f.AddSegment(&elf.Segment{
		Type:   delf.PT_LOAD,
		Flags:  delf.PF_R | delf.PF_W | delf.PF_X,
		Offset: l.PageSize,
		Vaddr:  l.Base,
		Paddr:  l.Base,
		Filesz: uint64(len(text.Data)),
		Memsz:  uint64(len(text.Data)),
		Align:  l.PageSize,
	})

	if id, err := l.o.SectionByName(obj.Rodata); err == nil && len(l.o.Section(id).Data) != 0 {
		l.rodata = id

		ro := l.o.Section(id)
		delta := l.rodataDelta()
		ro.Addr = l.Base + delta

		l.f.AddSection(&elf.Section{
			Name:  ro.Name,
			Type:  delf.SHT_PROGBITS,
			Flags: ro.Flags,
			Align: ro.Align,
			Data:  ro.Data,
		})

		l.f.AddSegment(&elf.Segment{
			Type:   delf.PT_LOAD,
			Flags:  delf.PF_R,
			Offset: l.PageSize + delta,
			Vaddr:  ro.Addr,
			Paddr:  ro.Addr,
			Filesz: uint64(len(ro.Data)),
			Memsz:  uint64(len(ro.Data)),
			Align:  l.PageSize,
		})
	}

	tlog.SpanFromContext(ctx).V("link").Printw("segments", "n", len(l.f.Segments), "text", len(text.Data))

	return nil
}

// AllocateSymbols turns section relative symbol values into absolute addresses
// and finds the entry point.
func (l *Linker) AllocateSymbols(ctx context.Context) error {
	if err := l.step(StepAllocateSymbols, StepInitSegments); err != nil {
		return err
	}

	tr := tlog.SpanFromContext(ctx)

	for i := range l.o.Symbols {
		s := &l.o.Symbols[i]
		if !s.Defined() {
			continue
		}

		s.Value += l.o.Section(s.Section).Addr

		tr.V("symbols").Printw("symbol", "name", s.Name, "bind", s.Bind, "addr", tlog.FormatNext("%#x"), s.Value)
	}

	id, ok := l.o.Lookup(EntryPoint)
	if !ok || !l.o.Symbol(id).Defined() {
		return MissingEntryPointError{Name: EntryPoint}
	}

	l.entry = l.o.Symbol(id).Value

	return nil
}

// ResolveRelocations patches every .text relocation with S - P + A.
func (l *Linker) ResolveRelocations(ctx context.Context) error {
	if err := l.step(StepResolveRelocations, StepAllocateSymbols); err != nil {
		return err
	}

	tr := tlog.SpanFromContext(ctx)

	text := l.o.Section(l.text)

	for _, r := range l.o.Relocs {
		if r.Section != l.text {
			continue
		}

		s := l.o.Symbol(r.Symbol)

		if !s.Defined() {
			return UndefinedSymbolError{Name: s.Name}
		}

		if r.Kind != delf.R_X86_64_PC32 {
			return RelocationError{Symbol: s.Name, Off: r.Off, Reason: fmt.Sprintf("unsupported kind %v", r.Kind)}
		}

		if r.Off+4 > uint64(len(text.Data)) {
			return RelocationError{Symbol: s.Name, Off: r.Off, Reason: "out of section"}
		}

		disp := int64(s.Value) - int64(text.Addr) - int64(r.Off) + r.Addend

		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return RelocationError{Symbol: s.Name, Off: r.Off, Reason: fmt.Sprintf("displacement %d overflows 32 bits", disp)}
		}

		binary.LittleEndian.PutUint32(text.Data[r.Off:], uint32(int32(disp)))

		tr.V("relocs").Printw("reloc", "sym", s.Name, "off", tlog.FormatNext("%#x"), r.Off, "disp", disp)
	}

	return nil
}

// ShiftSections moves sections past the headers to their page offsets
// and appends the symbol table.
func (l *Linker) ShiftSections(ctx context.Context) error {
	if err := l.step(StepShiftSections, StepResolveRelocations); err != nil {
		return err
	}

	text := l.f.Section(obj.Text)
	text.Offset = l.PageSize
	text.Addr = l.Base

	if l.rodata != obj.NoSection {
		delta := l.rodataDelta()

		ro := l.f.Section(obj.Rodata)
		ro.Offset = l.PageSize + delta
		ro.Addr = l.Base + delta
	}

	_, err := l.o.AddSymbolTable(l.f)
	if err != nil {
		return errors.Wrap(err, "symtab")
	}

	return nil
}

// PadNullRegion fills the space between the program headers and the first page with zeros.
func (l *Linker) PadNullRegion(ctx context.Context) error {
	if err := l.step(StepPadNullRegion, StepShiftSections); err != nil {
		return err
	}

	hs := l.f.HeadersSize()
	if hs > l.PageSize {
		return errors.New("headers size %d exceeds page size %d", hs, l.PageSize)
	}

	l.f.Pad = int(l.PageSize - hs)

	return nil
}

func (l *Linker) FinalizeHeader(ctx context.Context) error {
	if err := l.step(StepFinalizeHeader, StepPadNullRegion); err != nil {
		return err
	}

	lay, err := l.f.Layout()
	if err != nil {
		return errors.Wrap(err, "layout")
	}

	h := &l.f.Header

	h.Type = delf.ET_EXEC
	h.Phoff = lay.Phoff
	h.Phnum = uint16(len(l.f.Segments))
	h.Phentsize = elf.PhdrSize
	h.Shoff = lay.Shoff

	return nil
}

func (l *Linker) WriteEntry(ctx context.Context) error {
	if err := l.step(StepWriteEntry, StepFinalizeHeader); err != nil {
		return err
	}

	l.f.Header.Entry = l.entry

	return nil
}

func (l *Linker) Serialize(ctx context.Context) ([]byte, error) {
	if err := l.step(StepSerialize, StepWriteEntry); err != nil {
		return nil, err
	}

	return l.f.Serialize()
}

func (l *Linker) Entry() uint64 { return l.entry }

func (l *Linker) File() *elf.File { return l.f }

func (l *Linker) Done() set.Bits[Step] { return l.done }

// rodataDelta is the distance from .text to .rodata in both file and memory.
func (l *Linker) rodataDelta() uint64 {
	return elf.AlignUp(uint64(len(l.o.Section(l.text).Data)), l.PageSize)
}

func (l *Linker) step(s Step, need ...Step) error {
	if l.done.IsSet(s) {
		return errors.New("step %v done twice", s)
	}

	for _, n := range need {
		if !l.done.IsSet(n) {
			return StepOrderError{Step: s, Need: n}
		}
	}

	l.done.Set(s)

	return nil
}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}

	return fmt.Sprintf("step(%d)", int(s))
}

func (e MissingEntryPointError) Error() string {
	return fmt.Sprintf("missing entry point: %v", e.Name)
}

func (e StepOrderError) Error() string {
	return fmt.Sprintf("%v: needs %v first", e.Step, e.Need)
}

func (e RelocationError) Error() string {
	return fmt.Sprintf("relocation %v at %#x: %s", e.Symbol, e.Off, e.Reason)
}
