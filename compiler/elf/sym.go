package elf

import (
	delf "debug/elf"
	"encoding/binary"
)

type (
	StrTab struct {
		b   []byte
		idx map[string]uint32
	}

	Sym struct {
		Name  uint32
		Bind  delf.SymBind
		Type  delf.SymType
		Shndx delf.SectionIndex
		Value uint64
		Size  uint64
	}

	Rela struct {
		Off    uint64
		Sym    uint32
		Type   delf.R_X86_64
		Addend int64
	}
)

// Add returns the offset of s in the table, adding it once.
func (t *StrTab) Add(s string) uint32 {
	if t.b == nil {
		t.b = []byte{0}
		t.idx = map[string]uint32{"": 0}
	}

	if i, ok := t.idx[s]; ok {
		return i
	}

	i := uint32(len(t.b))

	t.b = append(t.b, s...)
	t.b = append(t.b, 0)
	t.idx[s] = i

	return i
}

func (t *StrTab) Bytes() []byte {
	if t.b == nil {
		return []byte{0}
	}

	return t.b
}

func AppendSym(b []byte, s Sym) []byte {
	le := binary.LittleEndian

	b = le.AppendUint32(b, s.Name)
	b = append(b, delf.ST_INFO(s.Bind, s.Type), byte(delf.STV_DEFAULT))
	b = le.AppendUint16(b, uint16(s.Shndx))
	b = le.AppendUint64(b, s.Value)
	b = le.AppendUint64(b, s.Size)

	return b
}

func AppendRela(b []byte, r Rela) []byte {
	le := binary.LittleEndian

	b = le.AppendUint64(b, r.Off)
	b = le.AppendUint64(b, delf.R_INFO(r.Sym, uint32(r.Type)))
	b = le.AppendUint64(b, uint64(r.Addend))

	return b
}
