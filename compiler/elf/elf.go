package elf

import (
	delf "debug/elf"
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"
)

type (
	// File is an ELF64 little-endian container.
	// Sections and segments are kept in the order they were added.
	File struct {
		Header Header

		Sections []*Section
		Segments []*Segment

		// Pad is the number of zero bytes written after the program header table.
		Pad int
	}

	Header struct {
		Type    delf.Type
		Machine delf.Machine
		Entry   uint64
		Phoff   uint64
		Shoff   uint64
		Flags   uint32

		Phentsize uint16
		Phnum     uint16
	}

	Section struct {
		Name  string
		Type  delf.SectionType
		Flags delf.SectionFlag

		Addr uint64

		// Offset is the file offset.
		// Zero means the section is placed right after the previous one.
		Offset uint64

		Align   uint64
		Link    uint32
		Info    uint32
		Entsize uint64

		Data []byte
	}

	Segment struct {
		Type   delf.ProgType
		Flags  delf.ProgFlag
		Offset uint64
		Vaddr  uint64
		Paddr  uint64
		Filesz uint64
		Memsz  uint64
		Align  uint64
	}

	Layout struct {
		Phoff    uint64
		Sections []uint64 // file offsets by position in File.Sections
		Shoff    uint64
		Shnum    uint16
		Shstrndx uint16
		Size     uint64

		shstrtab    []byte
		shstrtabOff uint64
		names       []uint32
	}

	LayoutError struct {
		Section string
		Offset  uint64
		Min     uint64
	}

	HeaderError struct {
		Field     string
		Have, Exp uint64
	}
)

const (
	HeaderSize  = 64
	PhdrSize    = 56
	ShdrSize    = 64
	SymSize     = 24
	RelaSize    = 24
	shdrAlign   = 8
	shstrtabSec = ".shstrtab"
)

func New(typ delf.Type) *File {
	return &File{
		Header: Header{
			Type:    typ,
			Machine: delf.EM_X86_64,
		},
	}
}

// AddSection appends s and returns its section header index.
func (f *File) AddSection(s *Section) int {
	f.Sections = append(f.Sections, s)

	return len(f.Sections)
}

func (f *File) AddSegment(p *Segment) {
	f.Segments = append(f.Segments, p)
}

func (f *File) Section(name string) *Section {
	i := f.Index(name)
	if i == 0 {
		return nil
	}

	return f.Sections[i-1]
}

// Index returns the section header index of the named section or 0.
func (f *File) Index(name string) int {
	for i, s := range f.Sections {
		if s.Name == name {
			return i + 1
		}
	}

	return 0
}

func (f *File) AllSectionSize() (n uint64) {
	for _, s := range f.Sections {
		n += uint64(len(s.Data))
	}

	return n
}

// HeadersSize is the size of the file header and the program header table.
func (f *File) HeadersSize() uint64 {
	return HeaderSize + uint64(len(f.Segments))*PhdrSize
}

func (f *File) Layout() (l Layout, err error) {
	if len(f.Segments) != 0 {
		l.Phoff = HeaderSize
	}

	pos := f.HeadersSize() + uint64(f.Pad)

	l.Sections = make([]uint64, len(f.Sections))

	for i, s := range f.Sections {
		switch {
		case s.Offset != 0 && s.Offset < pos:
			return l, LayoutError{Section: s.Name, Offset: s.Offset, Min: pos}
		case s.Offset != 0:
			pos = s.Offset
		default:
			pos = alignUp(pos, s.Align)
		}

		l.Sections[i] = pos
		pos += uint64(len(s.Data))
	}

	l.shstrtab = []byte{0}
	l.names = make([]uint32, len(f.Sections)+1)

	for i, s := range f.Sections {
		l.names[i] = uint32(len(l.shstrtab))
		l.shstrtab = append(l.shstrtab, s.Name...)
		l.shstrtab = append(l.shstrtab, 0)
	}

	l.names[len(f.Sections)] = uint32(len(l.shstrtab))
	l.shstrtab = append(l.shstrtab, shstrtabSec...)
	l.shstrtab = append(l.shstrtab, 0)

	l.Shnum = uint16(len(f.Sections) + 2)
	l.Shstrndx = l.Shnum - 1

	l.Shoff = alignUp(pos, shdrAlign)
	l.shstrtabOff = l.Shoff + uint64(l.Shnum)*ShdrSize
	l.Size = l.shstrtabOff + uint64(len(l.shstrtab))

	return l, nil
}

// Serialize emits the file header, the program header table, padding,
// section bodies, the section header table and the section name table.
// Header offsets and counts must agree with Layout.
func (f *File) Serialize() ([]byte, error) {
	l, err := f.Layout()
	if err != nil {
		return nil, err
	}

	h := f.Header

	for _, c := range []HeaderError{
		{Field: "phoff", Have: h.Phoff, Exp: l.Phoff},
		{Field: "phnum", Have: uint64(h.Phnum), Exp: uint64(len(f.Segments))},
		{Field: "shoff", Have: h.Shoff, Exp: l.Shoff},
	} {
		if c.Have != c.Exp {
			return nil, c
		}
	}

	if h.Phnum != 0 && h.Phentsize != PhdrSize {
		return nil, HeaderError{Field: "phentsize", Have: uint64(h.Phentsize), Exp: PhdrSize}
	}

	b := make([]byte, 0, l.Size)

	b = f.appendHeader(b, l)

	for _, p := range f.Segments {
		b = appendSegment(b, p)
	}

	b = pad(b, f.HeadersSize()+uint64(f.Pad))

	for i, s := range f.Sections {
		b = pad(b, l.Sections[i])
		b = append(b, s.Data...)
	}

	b = pad(b, l.Shoff)
	b = append(b, make([]byte, ShdrSize)...)

	for i, s := range f.Sections {
		b = appendSectionHeader(b, l.names[i], s, l.Sections[i])
	}

	b = appendSectionHeader(b, l.names[len(f.Sections)], &Section{
		Type:  delf.SHT_STRTAB,
		Align: 1,
		Data:  l.shstrtab,
	}, l.shstrtabOff)

	b = append(b, l.shstrtab...)

	if uint64(len(b)) != l.Size {
		return nil, errors.New("serialized %d bytes, layout is %d", len(b), l.Size)
	}

	return b, nil
}

func (f *File) appendHeader(b []byte, l Layout) []byte {
	h := f.Header

	var ident [delf.EI_NIDENT]byte
	copy(ident[:], delf.ELFMAG)
	ident[delf.EI_CLASS] = byte(delf.ELFCLASS64)
	ident[delf.EI_DATA] = byte(delf.ELFDATA2LSB)
	ident[delf.EI_VERSION] = byte(delf.EV_CURRENT)
	ident[delf.EI_OSABI] = byte(delf.ELFOSABI_NONE)

	le := binary.LittleEndian

	b = append(b, ident[:]...)
	b = le.AppendUint16(b, uint16(h.Type))
	b = le.AppendUint16(b, uint16(h.Machine))
	b = le.AppendUint32(b, uint32(delf.EV_CURRENT))
	b = le.AppendUint64(b, h.Entry)
	b = le.AppendUint64(b, h.Phoff)
	b = le.AppendUint64(b, h.Shoff)
	b = le.AppendUint32(b, h.Flags)
	b = le.AppendUint16(b, HeaderSize)
	b = le.AppendUint16(b, h.Phentsize)
	b = le.AppendUint16(b, h.Phnum)
	b = le.AppendUint16(b, ShdrSize)
	b = le.AppendUint16(b, l.Shnum)
	b = le.AppendUint16(b, l.Shstrndx)

	return b
}

func appendSegment(b []byte, p *Segment) []byte {
	le := binary.LittleEndian

	b = le.AppendUint32(b, uint32(p.Type))
	b = le.AppendUint32(b, uint32(p.Flags))
	b = le.AppendUint64(b, p.Offset)
	b = le.AppendUint64(b, p.Vaddr)
	b = le.AppendUint64(b, p.Paddr)
	b = le.AppendUint64(b, p.Filesz)
	b = le.AppendUint64(b, p.Memsz)
	b = le.AppendUint64(b, p.Align)

	return b
}

func appendSectionHeader(b []byte, name uint32, s *Section, off uint64) []byte {
	le := binary.LittleEndian

	b = le.AppendUint32(b, name)
	b = le.AppendUint32(b, uint32(s.Type))
	b = le.AppendUint64(b, uint64(s.Flags))
	b = le.AppendUint64(b, s.Addr)
	b = le.AppendUint64(b, off)
	b = le.AppendUint64(b, uint64(len(s.Data)))
	b = le.AppendUint32(b, s.Link)
	b = le.AppendUint32(b, s.Info)
	b = le.AppendUint64(b, s.Align)
	b = le.AppendUint64(b, s.Entsize)

	return b
}

func pad(b []byte, to uint64) []byte {
	for uint64(len(b)) < to {
		b = append(b, 0)
	}

	return b
}

func alignUp(x, a uint64) uint64 {
	if a <= 1 {
		return x
	}

	return (x + a - 1) / a * a
}

// AlignUp rounds x up to a multiple of a.
func AlignUp(x, a uint64) uint64 { return alignUp(x, a) }

func (e LayoutError) Error() string {
	return fmt.Sprintf("section %v: offset %#x overlaps preceding data ending at %#x", e.Section, e.Offset, e.Min)
}

func (e HeaderError) Error() string {
	return fmt.Sprintf("header %v: have %#x, layout needs %#x", e.Field, e.Have, e.Exp)
}
