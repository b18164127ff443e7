package ir

import "tlog.app/go/tlog/tlwire"

type (
	// Reg is a general purpose x86-64 register.
	// The value is the 4-bit hardware number.
	Reg uint8

	Width uint8
)

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const (
	Byte  Width = 8
	Word  Width = 16
	DWord Width = 32
	QWord Width = 64
)

var regNames = [...]struct{ q, l string }{
	RAX: {"rax", "eax"},
	RCX: {"rcx", "ecx"},
	RDX: {"rdx", "edx"},
	RBX: {"rbx", "ebx"},
	RSP: {"rsp", "esp"},
	RBP: {"rbp", "ebp"},
	RSI: {"rsi", "esi"},
	RDI: {"rdi", "edi"},
	R8:  {"r8", "r8d"},
	R9:  {"r9", "r9d"},
	R10: {"r10", "r10d"},
	R11: {"r11", "r11d"},
	R12: {"r12", "r12d"},
	R13: {"r13", "r13d"},
	R14: {"r14", "r14d"},
	R15: {"r15", "r15d"},
}

// Registers lists the whole register file in hardware order.
func Registers() []Reg {
	r := make([]Reg, 0, len(regNames))

	for i := range regNames {
		r = append(r, Reg(i))
	}

	return r
}

// ParseReg accepts 64-bit register names without the % sigil.
func ParseReg(name string) (Reg, bool) {
	for i, n := range regNames {
		if n.q == name {
			return Reg(i), true
		}
	}

	return 0, false
}

func (r Reg) Valid() bool { return int(r) < len(regNames) }

// Num is the 3-bit number used in ModRM and opcode fields.
func (r Reg) Num() byte { return byte(r) & 7 }

// Extended registers need the REX.R or REX.B bit to be addressed.
func (r Reg) Extended() bool { return r >= R8 && r.Valid() }

func (r Reg) Name(w Width) string {
	if !r.Valid() {
		return "badreg"
	}

	if w == DWord {
		return regNames[r].l
	}

	return regNames[r].q
}

func (r Reg) String() string { return r.Name(QWord) }

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, r.String())
}

func (w Width) Valid() bool {
	switch w {
	case Byte, Word, DWord, QWord:
		return true
	default:
		return false
	}
}

func (w Width) Bits() int { return int(w) }

// Suffix is the AT&T mnemonic size suffix.
func (w Width) Suffix() string {
	switch w {
	case Byte:
		return "b"
	case Word:
		return "w"
	case DWord:
		return "l"
	case QWord:
		return "q"
	default:
		return "?"
	}
}

// Fits reports whether v is representable as a signed value of width w.
func (w Width) Fits(v int64) bool {
	if w >= QWord {
		return true
	}

	lim := int64(1) << (w - 1)

	return v >= -lim && v < lim
}
