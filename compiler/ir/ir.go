package ir

import (
	"fmt"
	"hash/fnv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	Module struct {
		Funcs []*Func
	}

	Func struct {
		Name   string
		Blocks []*Block

		lits   []Literal
		litIdx map[LiteralID]int
	}

	Block struct {
		Name string
		Code []Instr
	}

	// LiteralID is the content hash of a string literal.
	LiteralID uint64

	LiteralCollisionError struct {
		ID   LiteralID
		Have string
		Data string
	}

	Literal struct {
		ID   LiteralID
		Data string
	}
)

func NewModule() *Module {
	return &Module{}
}

func (m *Module) AddFunc(f *Func) *Func {
	m.Funcs = append(m.Funcs, f)

	return f
}

func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// Validate checks names are unique and every instruction is well formed.
func (m *Module) Validate() error {
	seen := map[string]struct{}{}

	for _, f := range m.Funcs {
		if _, ok := seen[f.Name]; ok {
			return errors.New("duplicate function %q", f.Name)
		}

		seen[f.Name] = struct{}{}

		if err := f.Validate(); err != nil {
			return errors.Wrap(err, "func %v", f.Name)
		}
	}

	return nil
}

func NewFunc(name string) *Func {
	return &Func{Name: name}
}

// Block returns the block with the given name, appending a new one if there is none.
func (f *Func) Block(name string) *Block {
	if b := f.BlockByName(name); b != nil {
		return b
	}

	b := &Block{Name: name}
	f.Blocks = append(f.Blocks, b)

	return b
}

func (f *Func) BlockByName(name string) *Block {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}

	return nil
}

func (f *Func) Validate() error {
	if f.Name == "" {
		return errors.New("empty function name")
	}

	seen := map[string]struct{}{}

	for _, b := range f.Blocks {
		if _, ok := seen[b.Name]; ok {
			return errors.New("duplicate block %q", b.Name)
		}

		seen[b.Name] = struct{}{}

		for i, x := range b.Code {
			if x == nil {
				return errors.New("block %v: instr %d: nil", b.Name, i)
			}

			if err := x.Validate(); err != nil {
				return errors.Wrap(err, "block %v: instr %d", b.Name, i)
			}
		}
	}

	return nil
}

// Literal interns s and returns its id.
// Interning the same content twice returns the same id.
func (f *Func) Literal(s string) (LiteralID, error) {
	id := HashLiteral(s)

	if i, ok := f.litIdx[id]; ok {
		if f.lits[i].Data != s {
			return 0, LiteralCollisionError{ID: id, Have: f.lits[i].Data, Data: s}
		}

		return id, nil
	}

	if f.litIdx == nil {
		f.litIdx = make(map[LiteralID]int)
	}

	f.litIdx[id] = len(f.lits)
	f.lits = append(f.lits, Literal{ID: id, Data: s})

	return id, nil
}

// Literals are returned in interning order.
func (f *Func) Literals() []Literal {
	return f.lits
}

func (f *Func) LiteralByID(id LiteralID) (Literal, bool) {
	i, ok := f.litIdx[id]
	if !ok {
		return Literal{}, false
	}

	return f.lits[i], true
}

func (b *Block) Add(x ...Instr) *Block {
	b.Code = append(b.Code, x...)

	return b
}

func HashLiteral(s string) LiteralID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))

	return LiteralID(h.Sum64())
}

// Label is the local symbol name of the literal data.
func (id LiteralID) Label() string {
	return fmt.Sprintf(".LS%x", uint64(id))
}

func (e LiteralCollisionError) Error() string {
	return fmt.Sprintf("literal hash collision: %v: %q and %q", e.ID.Label(), e.Have, e.Data)
}

func (id LiteralID) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, id.Label())
}
