package ir

import (
	"math"
	"strconv"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Operand is one of Imm, Reg or Mem.
	Operand interface {
		AppendATT(b []byte, w Width) []byte

		operand()
	}

	Imm int64

	Mem struct {
		Base Reg
		Off  int
	}

	// Mode is the ModRM mod field.
	Mode byte

	// Addr describes how an operand lands in the r/m part of an instruction.
	Addr struct {
		Mode Mode
		RM   byte
		Ext  bool
		SIB  bool
		Disp int32
	}
)

const (
	ModeIndirect Mode = 0b00
	ModeDisp8    Mode = 0b01
	ModeDisp32   Mode = 0b10
	ModeDirect   Mode = 0b11
)

func (Imm) operand() {}
func (Reg) operand() {}
func (Mem) operand() {}

func (x Imm) AppendATT(b []byte, w Width) []byte {
	b = append(b, '$')
	return strconv.AppendInt(b, int64(x), 10)
}

func (r Reg) AppendATT(b []byte, w Width) []byte {
	b = append(b, '%')
	return append(b, r.Name(w)...)
}

func (x Mem) AppendATT(b []byte, w Width) []byte {
	if x.Off != 0 {
		b = strconv.AppendInt(b, int64(x.Off), 10)
	}

	b = append(b, "(%"...)
	b = append(b, x.Base.Name(QWord)...)

	return append(b, ')')
}

func (x Imm) String() string { return string(x.AppendATT(nil, QWord)) }
func (x Mem) String() string { return string(x.AppendATT(nil, QWord)) }

func (x Mem) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, x.String())
}

// Mode never selects ModeIndirect: a zero offset is encoded with an explicit disp32.
func (x Mem) Mode() Mode {
	if x.Off != 0 && x.Off >= math.MinInt8 && x.Off <= math.MaxInt8 {
		return ModeDisp8
	}

	return ModeDisp32
}

func (r Reg) Mode() Mode { return ModeDirect }

func (x Mem) Addressing() Addr {
	return Addr{
		Mode: x.Mode(),
		RM:   x.Base.Num(),
		Ext:  x.Base.Extended(),
		SIB:  x.Base.Num() == RSP.Num(),
		Disp: int32(x.Off),
	}
}

func (r Reg) Addressing() Addr {
	return Addr{
		Mode: ModeDirect,
		RM:   r.Num(),
		Ext:  r.Extended(),
	}
}

func (m Mode) String() string {
	switch m {
	case ModeIndirect:
		return "indirect"
	case ModeDisp8:
		return "disp8"
	case ModeDisp32:
		return "disp32"
	case ModeDirect:
		return "direct"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}
