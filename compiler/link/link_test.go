package link

import (
	"bytes"
	"context"
	delf "debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peachili/peachili/compiler/obj"
)

func newObject(t *testing.T, text []byte) (*obj.Object, obj.SectionID) {
	t.Helper()

	o := obj.New()
	id := o.AddSection(obj.Text, delf.SHF_ALLOC|delf.SHF_EXECINSTR, 16)
	o.AddSection(obj.Rodata, delf.SHF_ALLOC, 1)

	o.Section(id).Data = text

	return o, id
}

func TestLinkEntry(t *testing.T) {
	o, text := newObject(t, []byte{0xc3})

	_, err := o.Define(EntryPoint, obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	b, err := Link(context.Background(), o)
	require.NoError(t, err)

	e, err := delf.NewFile(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, delf.ET_EXEC, e.Type)
	assert.Equal(t, uint64(0x400000), e.Entry)

	require.Len(t, e.Progs, 1)

	p := e.Progs[0]
	assert.Equal(t, delf.PT_LOAD, p.Type)
	assert.Equal(t, uint64(0x400000), p.Vaddr)
	assert.Equal(t, uint64(0x400000), p.Paddr)
	assert.Equal(t, uint64(0x1000), p.Off)
	assert.Equal(t, uint64(1), p.Filesz)
	assert.Equal(t, uint64(1), p.Memsz)
	assert.Equal(t, delf.PF_R|delf.PF_W|delf.PF_X, p.Flags)

	assert.Equal(t, byte(0xc3), b[0x1000])
	assert.Equal(t, make([]byte, 0x1000-64-56), b[64+56:0x1000])

	s := e.Section(".text")
	require.NotNil(t, s)
	assert.Equal(t, uint64(0x400000), s.Addr)
	assert.Equal(t, uint64(0x1000), s.Offset)

	syms, err := e.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, EntryPoint, syms[0].Name)
	assert.Equal(t, uint64(0x400000), syms[0].Value)
}

func TestLinkCall(t *testing.T) {
	// initialize: nop; call f; ret
	// f: ret
	o, text := newObject(t, []byte{0x90, 0xe8, 0, 0, 0, 0, 0xc3, 0xc3})

	_, err := o.Define(EntryPoint, obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	f, err := o.Define("f", obj.Global, delf.STT_FUNC, text, 7)
	require.NoError(t, err)

	const k = 1

	o.AddReloc(obj.Reloc{Section: text, Off: k + 1, Symbol: f, Kind: delf.R_X86_64_PC32, Addend: -4})

	l := New(o)
	ctx := context.Background()

	require.NoError(t, l.InitSegments(ctx))
	require.NoError(t, l.AllocateSymbols(ctx))

	a := o.Symbol(f).Value
	assert.Equal(t, uint64(0x400007), a)

	require.NoError(t, l.ResolveRelocations(ctx))

	disp := int32(binary.LittleEndian.Uint32(o.Section(text).Data[k+1:]))
	assert.Equal(t, int32(int64(a)-0x400000-k-1-4), disp)
	assert.Equal(t, int32(1), disp) // target is right after the call

	require.NoError(t, l.ShiftSections(ctx))
	require.NoError(t, l.PadNullRegion(ctx))
	require.NoError(t, l.FinalizeHeader(ctx))
	require.NoError(t, l.WriteEntry(ctx))

	b, err := l.Serialize(ctx)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x90, 0xe8, 1, 0, 0, 0, 0xc3, 0xc3}, b[0x1000:0x1008])
	assert.Equal(t, uint64(0x400000), l.Entry())
	assert.Equal(t, 8, l.Done().Size())
}

func TestLinkUndefined(t *testing.T) {
	o, text := newObject(t, []byte{0xe8, 0, 0, 0, 0, 0xc3})

	_, err := o.Define(EntryPoint, obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	o.AddReloc(obj.Reloc{Section: text, Off: 1, Symbol: o.Reference("exit"), Kind: delf.R_X86_64_PC32, Addend: -4})

	b, err := Link(context.Background(), o)
	assert.Nil(t, b)

	var ue UndefinedSymbolError
	require.True(t, errors.As(err, &ue), "%v", err)
	assert.Equal(t, "exit", ue.Name)
}

func TestLinkMissingEntry(t *testing.T) {
	o, text := newObject(t, []byte{0xc3})

	_, err := o.Define("main", obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	b, err := Link(context.Background(), o)
	assert.Nil(t, b)

	var me MissingEntryPointError
	require.True(t, errors.As(err, &me), "%v", err)
	assert.Equal(t, EntryPoint, me.Name)
}

func TestLinkMissingText(t *testing.T) {
	o := obj.New()

	_, err := Link(context.Background(), o)

	var ms MissingSectionError
	require.True(t, errors.As(err, &ms), "%v", err)
	assert.Equal(t, obj.Text, ms.Name)
}

func TestLinkRodata(t *testing.T) {
	// lea .LS(%rip), %rsi; ret
	o, text := newObject(t, []byte{0x48, 0x8d, 0x35, 0, 0, 0, 0, 0xc3})

	ro, err := o.SectionByName(obj.Rodata)
	require.NoError(t, err)

	o.Section(ro).Data = []byte("hi\x00")

	_, err = o.Define(EntryPoint, obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	lit, err := o.Define(".LS1", obj.Local, delf.STT_OBJECT, ro, 0)
	require.NoError(t, err)

	o.AddReloc(obj.Reloc{Section: text, Off: 3, Symbol: lit, Kind: delf.R_X86_64_PC32, Addend: -4})

	b, err := Link(context.Background(), o)
	require.NoError(t, err)

	e, err := delf.NewFile(bytes.NewReader(b))
	require.NoError(t, err)

	require.Len(t, e.Progs, 2)

	p := e.Progs[1]
	assert.Equal(t, delf.PT_LOAD, p.Type)
	assert.Equal(t, delf.PF_R, p.Flags)
	assert.Equal(t, uint64(0x2000), p.Off)
	assert.Equal(t, uint64(0x401000), p.Vaddr)
	assert.Equal(t, uint64(3), p.Filesz)

	assert.Equal(t, []byte("hi\x00"), b[0x2000:0x2003])

	// 0x401000 - (0x400000 + 7)
	disp := int32(binary.LittleEndian.Uint32(b[0x1003:]))
	assert.Equal(t, int32(0x1000-7), disp)

	s := e.Section(".rodata")
	require.NotNil(t, s)
	assert.Equal(t, uint64(0x401000), s.Addr)
}

func TestStepOrder(t *testing.T) {
	o, text := newObject(t, []byte{0xc3})

	_, err := o.Define(EntryPoint, obj.Global, delf.STT_FUNC, text, 0)
	require.NoError(t, err)

	l := New(o)
	ctx := context.Background()

	err = l.ResolveRelocations(ctx)

	var se StepOrderError
	require.True(t, errors.As(err, &se), "%v", err)
	assert.Equal(t, StepResolveRelocations, se.Step)
	assert.Equal(t, StepAllocateSymbols, se.Need)

	require.NoError(t, l.InitSegments(ctx))
	assert.Error(t, l.InitSegments(ctx))
}
