package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/peachili/peachili/compiler/ir"
)

type (
	refKind uint8

	// ref is a 32-bit placeholder left in the code.
	ref struct {
		Kind refKind
		At   int // offset of the placeholder
		Name string
		Lit  ir.LiteralID
	}

	aluOp struct {
		mr, rm, ext byte
	}
)

const (
	refNone refKind = iota
	refCall
	refBranch
	refLiteral
)

const (
	rexBase = 0x40
	rexW    = 0x08
	rexR    = 0x04
	rexB    = 0x01

	sibRSP = 0x24
)

var (
	aluAdd = aluOp{mr: 0x01, rm: 0x03, ext: 0}
	aluSub = aluOp{mr: 0x29, rm: 0x2b, ext: 5}
	aluCmp = aluOp{mr: 0x39, rm: 0x3b, ext: 7}
	aluMov = aluOp{mr: 0x89, rm: 0x8b, ext: 0}
)

var condCodes = map[ir.Cond]byte{
	ir.CondE:  0x84,
	ir.CondNE: 0x85,
	ir.CondL:  0x8c,
	ir.CondLE: 0x8e,
	ir.CondG:  0x8f,
	ir.CondGE: 0x8d,
	ir.CondB:  0x82,
	ir.CondBE: 0x86,
	ir.CondA:  0x87,
	ir.CondAE: 0x83,
}

// encode appends the machine code of x to b.
func encode(b []byte, x ir.Instr) (_ []byte, r ref, err error) {
	if err = x.Validate(); err != nil {
		return b, r, UnsupportedEncodingError{Instr: x, Reason: "invalid operands", Err: err}
	}

	switch x := x.(type) {
	case ir.Add:
		b, err = encodeALU(b, x, aluAdd, x.W, x.Src, x.Dst)
	case ir.Sub:
		b, err = encodeALU(b, x, aluSub, x.W, x.Src, x.Dst)
	case ir.Cmp:
		b, err = encodeALU(b, x, aluCmp, x.W, x.Src, x.Dst)
	case ir.Mov:
		b, err = encodeMov(b, x)
	case ir.IMul:
		b, err = encodeIMul(b, x)
	case ir.IDiv:
		b, err = encodeUnary(b, x, 0xf7, 7, x.W, x.Src)
	case ir.Neg:
		b, err = encodeUnary(b, x, 0xf7, 3, x.W, x.Dst)
	case ir.Inc:
		b, err = encodeUnary(b, x, 0xff, 0, x.W, x.Dst)
	case ir.Lea:
		if err = checkWidth(x, x.W); err != nil {
			return b, r, err
		}

		b = appendRM(b, x.W == ir.QWord, []byte{0x8d}, x.Dst.Num(), x.Dst.Extended(), x.Src)
	case ir.LeaLiteral:
		b = appendREX(b, true, x.Dst.Extended(), false)
		b = append(b, 0x8d, modrm(ir.ModeIndirect, x.Dst.Num(), 0b101))

		r = ref{Kind: refLiteral, At: len(b), Lit: x.Literal}
		b = append(b, 0, 0, 0, 0)
	case ir.Push:
		b, err = encodePush(b, x)
	case ir.Pop:
		b, err = encodePop(b, x)
	case ir.Call:
		b = append(b, 0xe8)

		r = ref{Kind: refCall, At: len(b), Name: x.Target}
		b = append(b, 0, 0, 0, 0)
	case ir.Ret:
		b = append(b, 0xc3)
	case ir.Jmp:
		b = append(b, 0xe9)

		r = ref{Kind: refBranch, At: len(b), Name: x.Target}
		b = append(b, 0, 0, 0, 0)
	case ir.Jcc:
		b = append(b, 0x0f, condCodes[x.Cond])

		r = ref{Kind: refBranch, At: len(b), Name: x.Target}
		b = append(b, 0, 0, 0, 0)
	case ir.Cqo:
		b = append(b, rexBase|rexW, 0x99)
	case ir.Syscall:
		b = append(b, 0x0f, 0x05)
	case ir.Raw:
		b = append(b, x.Bytes...)
	default:
		return b, r, UnsupportedEncodingError{Instr: x, Reason: fmt.Sprintf("unknown instruction %T", x)}
	}

	return b, r, err
}

func encodeALU(b []byte, x ir.Instr, op aluOp, w ir.Width, src, dst ir.Operand) ([]byte, error) {
	if err := checkWidth(x, w); err != nil {
		return b, err
	}

	q := w == ir.QWord

	switch src := src.(type) {
	case ir.Imm:
		if !ir.DWord.Fits(int64(src)) {
			return b, UnsupportedEncodingError{Instr: x, Reason: "immediate does not fit in 32 bits"}
		}

		b = appendRM(b, q, []byte{0x81}, op.ext, false, dst)
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(src)))
	case ir.Reg:
		b = appendRM(b, q, []byte{op.mr}, src.Num(), src.Extended(), dst)
	case ir.Mem:
		d, ok := dst.(ir.Reg)
		if !ok {
			return b, UnsupportedEncodingError{Instr: x, Reason: "memory to memory"}
		}

		b = appendRM(b, q, []byte{op.rm}, d.Num(), d.Extended(), src)
	default:
		return b, UnsupportedEncodingError{Instr: x, Reason: fmt.Sprintf("source %T", src)}
	}

	return b, nil
}

func encodeMov(b []byte, x ir.Mov) ([]byte, error) {
	imm, ok := x.Src.(ir.Imm)
	if !ok {
		return encodeALU(b, x, aluMov, x.W, x.Src, x.Dst)
	}

	if err := checkWidth(x, x.W); err != nil {
		return b, err
	}

	if ir.DWord.Fits(int64(imm)) {
		b = appendRM(b, x.W == ir.QWord, []byte{0xc7}, 0, false, x.Dst)
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(imm)))

		return b, nil
	}

	d, ok := x.Dst.(ir.Reg)
	if !ok {
		return b, UnsupportedEncodingError{Instr: x, Reason: "64-bit immediate to memory"}
	}

	b = appendREX(b, true, false, d.Extended())
	b = append(b, 0xb8+d.Num())
	b = binary.LittleEndian.AppendUint64(b, uint64(imm))

	return b, nil
}

func encodeIMul(b []byte, x ir.IMul) ([]byte, error) {
	if err := checkWidth(x, x.W); err != nil {
		return b, err
	}

	q := x.W == ir.QWord

	switch src := x.Src.(type) {
	case ir.Imm:
		if !ir.DWord.Fits(int64(src)) {
			return b, UnsupportedEncodingError{Instr: x, Reason: "immediate does not fit in 32 bits"}
		}

		b = appendRM(b, q, []byte{0x69}, x.Dst.Num(), x.Dst.Extended(), x.Dst)
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(src)))
	case ir.Reg, ir.Mem:
		b = appendRM(b, q, []byte{0x0f, 0xaf}, x.Dst.Num(), x.Dst.Extended(), src)
	}

	return b, nil
}

func encodeUnary(b []byte, x ir.Instr, op, ext byte, w ir.Width, rm ir.Operand) ([]byte, error) {
	if err := checkWidth(x, w); err != nil {
		return b, err
	}

	return appendRM(b, w == ir.QWord, []byte{op}, ext, false, rm), nil
}

func encodePush(b []byte, x ir.Push) ([]byte, error) {
	if x.W != ir.QWord {
		return b, UnsupportedEncodingError{Instr: x, Reason: fmt.Sprintf("%d-bit push", x.W)}
	}

	switch src := x.Src.(type) {
	case ir.Reg:
		b = appendREX(b, false, false, src.Extended())
		b = append(b, 0x50+src.Num())
	case ir.Imm:
		if !ir.DWord.Fits(int64(src)) {
			return b, UnsupportedEncodingError{Instr: x, Reason: "immediate does not fit in 32 bits"}
		}

		b = append(b, 0x68)
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(src)))
	case ir.Mem:
		b = appendRM(b, false, []byte{0xff}, 6, false, src)
	}

	return b, nil
}

func encodePop(b []byte, x ir.Pop) ([]byte, error) {
	if x.W != ir.QWord {
		return b, UnsupportedEncodingError{Instr: x, Reason: fmt.Sprintf("%d-bit pop", x.W)}
	}

	switch dst := x.Dst.(type) {
	case ir.Reg:
		b = appendREX(b, false, false, dst.Extended())
		b = append(b, 0x58+dst.Num())
	case ir.Mem:
		b = appendRM(b, false, []byte{0x8f}, 0, false, dst)
	}

	return b, nil
}

func checkWidth(x ir.Instr, w ir.Width) error {
	switch w {
	case ir.QWord, ir.DWord:
		return nil
	default:
		return UnsupportedEncodingError{Instr: x, Reason: fmt.Sprintf("%d-bit operands", w)}
	}
}

// appendRM appends an instruction with a ModRM byte.
// reg is the reg field: a register number or an opcode extension.
func appendRM(b []byte, w bool, op []byte, reg byte, regExt bool, rm ir.Operand) []byte {
	var a ir.Addr

	switch rm := rm.(type) {
	case ir.Reg:
		a = rm.Addressing()
	case ir.Mem:
		a = rm.Addressing()
	}

	b = appendREX(b, w, regExt, a.Ext)
	b = append(b, op...)
	b = append(b, modrm(a.Mode, reg, a.RM))

	if a.SIB {
		b = append(b, sibRSP)
	}

	switch a.Mode {
	case ir.ModeDisp8:
		b = append(b, byte(int8(a.Disp)))
	case ir.ModeDisp32:
		b = binary.LittleEndian.AppendUint32(b, uint32(a.Disp))
	}

	return b
}

func appendREX(b []byte, w, r, base bool) []byte {
	var x byte

	if w {
		x |= rexW
	}

	if r {
		x |= rexR
	}

	if base {
		x |= rexB
	}

	if x == 0 {
		return b
	}

	return append(b, rexBase|x)
}

func modrm(mod ir.Mode, reg, rm byte) byte {
	return byte(mod)<<6 | (reg&7)<<3 | rm&7
}
