package obj

import (
	delf "debug/elf"
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	SectionID int
	SymbolID  int

	Binding uint8

	// Object is the assembled module.
	// Sections, symbols and relocations refer to each other by index.
	Object struct {
		Sections []Section
		Symbols  []Symbol
		Relocs   []Reloc

		syms map[string]SymbolID
	}

	Section struct {
		Name  string
		Flags delf.SectionFlag
		Align uint64
		Data  []byte

		// Addr is assigned by the linker.
		Addr uint64
	}

	Symbol struct {
		Name    string
		Bind    Binding
		Type    delf.SymType
		Section SectionID
		Value   uint64
		Size    uint64
	}

	Reloc struct {
		Section SectionID
		Off     uint64
		Symbol  SymbolID
		Kind    delf.R_X86_64
		Addend  int64
	}

	UndefinedSymbolError struct {
		Name string
	}

	DuplicateSymbolError struct {
		Name string
	}

	MissingSectionError struct {
		Name string
	}
)

const (
	Local Binding = iota
	Global
)

// NoSection is the section of an undefined symbol.
const NoSection SectionID = -1

const (
	Text   = ".text"
	Rodata = ".rodata"
)

func New() *Object {
	return &Object{
		syms: make(map[string]SymbolID),
	}
}

func (o *Object) AddSection(name string, flags delf.SectionFlag, align uint64) SectionID {
	o.Sections = append(o.Sections, Section{
		Name:  name,
		Flags: flags,
		Align: align,
	})

	return SectionID(len(o.Sections) - 1)
}

func (o *Object) Section(id SectionID) *Section {
	return &o.Sections[id]
}

func (o *Object) SectionByName(name string) (SectionID, error) {
	for i, s := range o.Sections {
		if s.Name == name {
			return SectionID(i), nil
		}
	}

	return NoSection, MissingSectionError{Name: name}
}

// Define binds name to value in section sec.
// A previous reference to name becomes defined.
func (o *Object) Define(name string, bind Binding, typ delf.SymType, sec SectionID, value uint64) (SymbolID, error) {
	if id, ok := o.syms[name]; ok {
		s := &o.Symbols[id]

		if s.Section != NoSection {
			return id, DuplicateSymbolError{Name: name}
		}

		s.Bind = bind
		s.Type = typ
		s.Section = sec
		s.Value = value

		return id, nil
	}

	return o.add(Symbol{
		Name:    name,
		Bind:    bind,
		Type:    typ,
		Section: sec,
		Value:   value,
	}), nil
}

// Reference returns the symbol for name, adding an undefined global one if it's not known yet.
func (o *Object) Reference(name string) SymbolID {
	if id, ok := o.syms[name]; ok {
		return id
	}

	return o.add(Symbol{
		Name:    name,
		Bind:    Global,
		Type:    delf.STT_NOTYPE,
		Section: NoSection,
	})
}

func (o *Object) Lookup(name string) (SymbolID, bool) {
	id, ok := o.syms[name]

	return id, ok
}

func (o *Object) Symbol(id SymbolID) *Symbol {
	return &o.Symbols[id]
}

func (o *Object) AddReloc(r Reloc) {
	o.Relocs = append(o.Relocs, r)
}

func (o *Object) add(s Symbol) SymbolID {
	if o.syms == nil {
		o.syms = make(map[string]SymbolID)
	}

	id := SymbolID(len(o.Symbols))

	o.Symbols = append(o.Symbols, s)
	o.syms[s.Name] = id

	return id
}

func (s *Symbol) Defined() bool { return s.Section != NoSection }

func (b Binding) ELF() delf.SymBind {
	if b == Global {
		return delf.STB_GLOBAL
	}

	return delf.STB_LOCAL
}

func (b Binding) String() string {
	if b == Global {
		return "GLOBAL"
	}

	return "LOCAL"
}

func (b Binding) TlogAppend(buf []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(buf, b.String())
}

func (id SectionID) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if id == NoSection {
		return e.AppendNil(b)
	}

	return e.AppendInt(b, int(id))
}

func (e UndefinedSymbolError) Error() string {
	return fmt.Sprintf("undefined symbol: %v", e.Name)
}

func (e DuplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate symbol: %v", e.Name)
}

func (e MissingSectionError) Error() string {
	return fmt.Sprintf("missing section: %v", e.Name)
}
