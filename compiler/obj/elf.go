package obj

import (
	delf "debug/elf"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"

	"github.com/peachili/peachili/compiler/elf"
)

type symOrder struct {
	heap.Heap[SymbolID]
}

// ELF builds the relocatable object file.
func (o *Object) ELF() (*elf.File, error) {
	f := elf.New(delf.ET_REL)

	for _, s := range o.Sections {
		f.AddSection(&elf.Section{
			Name:  s.Name,
			Type:  delf.SHT_PROGBITS,
			Flags: s.Flags,
			Align: s.Align,
			Data:  s.Data,
		})
	}

	index, err := o.AddSymbolTable(f)
	if err != nil {
		return nil, errors.Wrap(err, "symtab")
	}

	symtab := f.Index(".symtab")

	for id, s := range o.Sections {
		if s.Flags&delf.SHF_EXECINSTR == 0 {
			continue
		}

		var rela []byte

		for _, r := range o.Relocs {
			if r.Section != SectionID(id) {
				continue
			}

			rela = elf.AppendRela(rela, elf.Rela{
				Off:    r.Off,
				Sym:    index[r.Symbol],
				Type:   r.Kind,
				Addend: r.Addend,
			})
		}

		f.AddSection(&elf.Section{
			Name:    ".rela" + s.Name,
			Type:    delf.SHT_RELA,
			Flags:   delf.SHF_INFO_LINK,
			Align:   8,
			Link:    uint32(symtab),
			Info:    uint32(f.Index(s.Name)),
			Entsize: elf.RelaSize,
			Data:    rela,
		})
	}

	l, err := f.Layout()
	if err != nil {
		return nil, errors.Wrap(err, "layout")
	}

	f.Header.Shoff = l.Shoff

	return f, nil
}

// AddSymbolTable appends .symtab and .strtab to f.
// Locals go first as ELF requires.
// Symbol sections are matched to f sections by name.
// It returns the symbol table index of every symbol.
func (o *Object) AddSymbolTable(f *elf.File) (map[SymbolID]uint32, error) {
	order := symOrder{Heap: heap.Heap[SymbolID]{Less: o.symLess}}

	for id := range o.Symbols {
		order.Push(SymbolID(id))
	}

	var strtab elf.StrTab

	symtab := elf.AppendSym(nil, elf.Sym{})
	index := make(map[SymbolID]uint32, len(o.Symbols))
	firstGlobal := uint32(0)

	for n := uint32(1); order.Len() != 0; n++ {
		id := order.Pop()
		s := &o.Symbols[id]

		if firstGlobal == 0 && s.Bind == Global {
			firstGlobal = n
		}

		shndx := delf.SHN_UNDEF

		if s.Defined() {
			name := o.Sections[s.Section].Name

			i := f.Index(name)
			if i == 0 {
				return nil, MissingSectionError{Name: name}
			}

			shndx = delf.SectionIndex(i)
		}

		symtab = elf.AppendSym(symtab, elf.Sym{
			Name:  strtab.Add(s.Name),
			Bind:  s.Bind.ELF(),
			Type:  s.Type,
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})

		index[id] = n
	}

	if firstGlobal == 0 {
		firstGlobal = uint32(len(o.Symbols) + 1)
	}

	f.AddSection(&elf.Section{
		Name:    ".symtab",
		Type:    delf.SHT_SYMTAB,
		Align:   8,
		Link:    uint32(len(f.Sections) + 2), // .strtab follows
		Info:    firstGlobal,
		Entsize: elf.SymSize,
		Data:    symtab,
	})

	f.AddSection(&elf.Section{
		Name:  ".strtab",
		Type:  delf.SHT_STRTAB,
		Align: 1,
		Data:  strtab.Bytes(),
	})

	return index, nil
}

func (o *Object) symLess(d []SymbolID, i, j int) bool {
	a, b := &o.Symbols[d[i]], &o.Symbols[d[j]]

	if a.Bind != b.Bind {
		return a.Bind == Local
	}

	return d[i] < d[j]
}
