package elf

import (
	"bytes"
	delf "debug/elf"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRelocatable(t *testing.T) {
	f := New(delf.ET_REL)

	text := []byte{0x55, 0xc3}

	ti := f.AddSection(&Section{
		Name:  ".text",
		Type:  delf.SHT_PROGBITS,
		Flags: delf.SHF_ALLOC | delf.SHF_EXECINSTR,
		Align: 16,
		Data:  text,
	})

	f.AddSection(&Section{
		Name:  ".rodata",
		Type:  delf.SHT_PROGBITS,
		Flags: delf.SHF_ALLOC,
		Align: 1,
		Data:  []byte("hi\x00"),
	})

	assert.Equal(t, 1, ti)
	assert.Equal(t, 2, f.Index(".rodata"))
	assert.Equal(t, 0, f.Index(".data"))
	assert.Nil(t, f.Section(".data"))
	assert.Equal(t, uint64(5), f.AllSectionSize())

	l, err := f.Layout()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), l.Phoff)
	assert.Equal(t, []uint64{64, 66}, l.Sections)
	assert.Equal(t, uint64(72), l.Shoff)
	assert.Equal(t, uint16(4), l.Shnum)

	f.Header.Shoff = l.Shoff

	b, err := f.Serialize()
	require.NoError(t, err)
	assert.Len(t, b, int(l.Size))

	e, err := delf.NewFile(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, delf.ET_REL, e.Type)
	assert.Equal(t, delf.EM_X86_64, e.Machine)
	assert.Equal(t, delf.ELFCLASS64, e.Class)

	s := e.Section(".text")
	require.NotNil(t, s)

	data, err := s.Data()
	require.NoError(t, err)
	assert.Equal(t, text, data)

	s = e.Section(".rodata")
	require.NotNil(t, s)

	data, err = s.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("hi\x00"), data)

	assert.NotNil(t, e.Section(".shstrtab"))
}

func TestSerializeSegments(t *testing.T) {
	f := New(delf.ET_EXEC)

	f.AddSection(&Section{
		Name:   ".text",
		Type:   delf.SHT_PROGBITS,
		Flags:  delf.SHF_ALLOC | delf.SHF_EXECINSTR,
		Addr:   0x400000,
		Offset: 0x1000,
		Data:   []byte{0xc3},
	})

	f.AddSegment(&Segment{
		Type:   delf.PT_LOAD,
		Flags:  delf.PF_R | delf.PF_W | delf.PF_X,
		Offset: 0x1000,
		Vaddr:  0x400000,
		Paddr:  0x400000,
		Filesz: 1,
		Memsz:  1,
		Align:  0x1000,
	})

	f.Pad = 0x1000 - int(f.HeadersSize())

	l, err := f.Layout()
	require.NoError(t, err)

	f.Header.Entry = 0x400000
	f.Header.Phoff = l.Phoff
	f.Header.Phnum = 1
	f.Header.Phentsize = PhdrSize

	_, err = f.Serialize()
	var herr HeaderError
	require.True(t, errors.As(err, &herr), "%v", err)
	assert.Equal(t, "shoff", herr.Field)

	f.Header.Shoff = l.Shoff

	b, err := f.Serialize()
	require.NoError(t, err)

	assert.Equal(t, byte(0xc3), b[0x1000])
	assert.Equal(t, make([]byte, 0x1000-120), b[120:0x1000])

	e, err := delf.NewFile(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x400000), e.Entry)
	require.Len(t, e.Progs, 1)

	p := e.Progs[0]
	assert.Equal(t, delf.PT_LOAD, p.Type)
	assert.Equal(t, uint64(0x1000), p.Off)
	assert.Equal(t, uint64(0x400000), p.Vaddr)
	assert.Equal(t, uint64(0x400000), p.Paddr)
	assert.Equal(t, delf.PF_R|delf.PF_W|delf.PF_X, p.Flags)
}

func TestLayoutOverlap(t *testing.T) {
	f := New(delf.ET_EXEC)

	f.AddSection(&Section{Name: ".text", Offset: 10, Data: []byte{0xc3}})

	_, err := f.Layout()

	var lerr LayoutError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, ".text", lerr.Section)
	assert.Equal(t, uint64(HeaderSize), lerr.Min)
}

func TestSymbols(t *testing.T) {
	var st StrTab

	a := st.Add("main")
	b := st.Add("initialize")

	assert.Equal(t, uint32(1), a)
	assert.Equal(t, a, st.Add("main"))
	assert.Equal(t, uint32(6), b)
	assert.Equal(t, uint32(0), st.Add(""))
	assert.Equal(t, []byte("\x00main\x00initialize\x00"), st.Bytes())

	sym := AppendSym(nil, Sym{Name: a, Bind: delf.STB_GLOBAL, Type: delf.STT_FUNC, Shndx: 1, Value: 8})
	assert.Len(t, sym, SymSize)
	assert.Equal(t, delf.ST_INFO(delf.STB_GLOBAL, delf.STT_FUNC), sym[4])

	rel := AppendRela(nil, Rela{Off: 1, Sym: 3, Type: delf.R_X86_64_PC32, Addend: -4})
	assert.Len(t, rel, RelaSize)
	assert.Equal(t, []byte{0xfc, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, rel[16:])
}
