package ir

import (
	"fmt"
	"math"
)

type (
	// Instr is one of the instruction types below.
	// The set is closed: every consumer switches over all of them.
	Instr interface {
		Op() Op
		Validate() error
	}

	Op   uint8
	Cond uint8

	Add struct {
		W        Width
		Src, Dst Operand
	}

	Sub struct {
		W        Width
		Src, Dst Operand
	}

	IMul struct {
		W   Width
		Src Operand
		Dst Reg
	}

	// IDiv divides rdx:rax by Src.
	IDiv struct {
		W   Width
		Src Operand
	}

	Mov struct {
		W        Width
		Src, Dst Operand
	}

	Cmp struct {
		W        Width
		Src, Dst Operand
	}

	Lea struct {
		W   Width
		Src Mem
		Dst Reg
	}

	// LeaLiteral loads the address of a function literal.
	LeaLiteral struct {
		Dst     Reg
		Literal LiteralID
	}

	Neg struct {
		W   Width
		Dst Operand
	}

	Inc struct {
		W   Width
		Dst Operand
	}

	Push struct {
		W   Width
		Src Operand
	}

	Pop struct {
		W   Width
		Dst Operand
	}

	Call struct {
		Target string
	}

	Ret struct{}

	// Jmp and Jcc targets are block names of the enclosing function.
	Jmp struct {
		Target string
	}

	Jcc struct {
		Cond   Cond
		Target string
	}

	Cqo struct{}

	Syscall struct{}

	Raw struct {
		Bytes []byte
	}

	InvalidOperandError struct {
		Op     Op
		Reason string
	}
)

const (
	OpAdd Op = iota + 1
	OpSub
	OpIMul
	OpIDiv
	OpMov
	OpCmp
	OpLea
	OpLeaLiteral
	OpNeg
	OpInc
	OpPush
	OpPop
	OpCall
	OpRet
	OpJmp
	OpJcc
	OpCqo
	OpSyscall
	OpRaw
)

const (
	CondE Cond = iota
	CondNE
	CondL
	CondLE
	CondG
	CondGE
	CondB
	CondBE
	CondA
	CondAE
)

var opNames = [...]string{
	OpAdd:        "add",
	OpSub:        "sub",
	OpIMul:       "imul",
	OpIDiv:       "idiv",
	OpMov:        "mov",
	OpCmp:        "cmp",
	OpLea:        "lea",
	OpLeaLiteral: "lea",
	OpNeg:        "neg",
	OpInc:        "inc",
	OpPush:       "push",
	OpPop:        "pop",
	OpCall:       "call",
	OpRet:        "ret",
	OpJmp:        "jmp",
	OpJcc:        "j",
	OpCqo:        "cqo",
	OpSyscall:    "syscall",
	OpRaw:        ".byte",
}

var condNames = [...]string{
	CondE:  "e",
	CondNE: "ne",
	CondL:  "l",
	CondLE: "le",
	CondG:  "g",
	CondGE: "ge",
	CondB:  "b",
	CondBE: "be",
	CondA:  "a",
	CondAE: "ae",
}

func (Add) Op() Op        { return OpAdd }
func (Sub) Op() Op        { return OpSub }
func (IMul) Op() Op       { return OpIMul }
func (IDiv) Op() Op       { return OpIDiv }
func (Mov) Op() Op        { return OpMov }
func (Cmp) Op() Op        { return OpCmp }
func (Lea) Op() Op        { return OpLea }
func (LeaLiteral) Op() Op { return OpLeaLiteral }
func (Neg) Op() Op        { return OpNeg }
func (Inc) Op() Op        { return OpInc }
func (Push) Op() Op       { return OpPush }
func (Pop) Op() Op        { return OpPop }
func (Call) Op() Op       { return OpCall }
func (Ret) Op() Op        { return OpRet }
func (Jmp) Op() Op        { return OpJmp }
func (Jcc) Op() Op        { return OpJcc }
func (Cqo) Op() Op        { return OpCqo }
func (Syscall) Op() Op    { return OpSyscall }
func (Raw) Op() Op        { return OpRaw }

func (x Add) Validate() error { return validateBinary(OpAdd, x.W, x.Src, x.Dst) }
func (x Sub) Validate() error { return validateBinary(OpSub, x.W, x.Src, x.Dst) }
func (x Mov) Validate() error { return validateBinary(OpMov, x.W, x.Src, x.Dst) }
func (x Cmp) Validate() error { return validateBinary(OpCmp, x.W, x.Src, x.Dst) }

func (x IMul) Validate() error {
	if err := validateWidth(OpIMul, x.W); err != nil {
		return err
	}

	if err := validateOperand(OpIMul, x.W, x.Src); err != nil {
		return err
	}

	return validateOperand(OpIMul, x.W, x.Dst)
}

func (x IDiv) Validate() error { return validateUnary(OpIDiv, x.W, x.Src) }
func (x Neg) Validate() error  { return validateUnary(OpNeg, x.W, x.Dst) }
func (x Inc) Validate() error  { return validateUnary(OpInc, x.W, x.Dst) }
func (x Pop) Validate() error  { return validateUnary(OpPop, x.W, x.Dst) }

func (x Push) Validate() error {
	if err := validateWidth(OpPush, x.W); err != nil {
		return err
	}

	return validateOperand(OpPush, x.W, x.Src)
}

func (x Lea) Validate() error {
	if err := validateWidth(OpLea, x.W); err != nil {
		return err
	}

	if err := validateOperand(OpLea, x.W, x.Src); err != nil {
		return err
	}

	return validateOperand(OpLea, x.W, x.Dst)
}

func (x LeaLiteral) Validate() error { return validateOperand(OpLeaLiteral, QWord, x.Dst) }

func (x Call) Validate() error { return validateTarget(OpCall, x.Target) }
func (x Jmp) Validate() error  { return validateTarget(OpJmp, x.Target) }

func (x Jcc) Validate() error {
	if int(x.Cond) >= len(condNames) {
		return InvalidOperandError{Op: OpJcc, Reason: fmt.Sprintf("unknown condition %d", x.Cond)}
	}

	return validateTarget(OpJcc, x.Target)
}

func (Ret) Validate() error     { return nil }
func (Cqo) Validate() error     { return nil }
func (Syscall) Validate() error { return nil }
func (Raw) Validate() error     { return nil }

func validateBinary(op Op, w Width, src, dst Operand) error {
	if err := validateWidth(op, w); err != nil {
		return err
	}

	if err := validateOperand(op, w, src); err != nil {
		return err
	}

	if err := validateOperand(op, w, dst); err != nil {
		return err
	}

	if _, ok := dst.(Imm); ok {
		return InvalidOperandError{Op: op, Reason: "immediate destination"}
	}

	_, sm := src.(Mem)
	_, dm := dst.(Mem)

	if sm && dm {
		return InvalidOperandError{Op: op, Reason: "memory to memory"}
	}

	return nil
}

func validateUnary(op Op, w Width, x Operand) error {
	if err := validateWidth(op, w); err != nil {
		return err
	}

	if err := validateOperand(op, w, x); err != nil {
		return err
	}

	if _, ok := x.(Imm); ok {
		return InvalidOperandError{Op: op, Reason: "immediate operand"}
	}

	return nil
}

func validateWidth(op Op, w Width) error {
	if !w.Valid() {
		return InvalidOperandError{Op: op, Reason: fmt.Sprintf("bad width %d", w)}
	}

	return nil
}

func validateOperand(op Op, w Width, x Operand) error {
	switch x := x.(type) {
	case nil:
		return InvalidOperandError{Op: op, Reason: "missing operand"}
	case Imm:
		if !w.Fits(int64(x)) {
			return InvalidOperandError{Op: op, Reason: fmt.Sprintf("immediate %d overflows %d bits", x, w)}
		}
	case Reg:
		if !x.Valid() {
			return InvalidOperandError{Op: op, Reason: fmt.Sprintf("bad register %d", x)}
		}
	case Mem:
		if !x.Base.Valid() {
			return InvalidOperandError{Op: op, Reason: fmt.Sprintf("bad base register %d", x.Base)}
		}

		if x.Off < math.MinInt32 || x.Off > math.MaxInt32 {
			return InvalidOperandError{Op: op, Reason: fmt.Sprintf("offset %d overflows 32 bits", x.Off)}
		}
	default:
		return InvalidOperandError{Op: op, Reason: fmt.Sprintf("unsupported operand %T", x)}
	}

	return nil
}

func validateTarget(op Op, t string) error {
	if t == "" {
		return InvalidOperandError{Op: op, Reason: "empty target"}
	}

	return nil
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}

	return fmt.Sprintf("op(%d)", int(op))
}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}

	return fmt.Sprintf("cond(%d)", int(c))
}

// ParseCond accepts condition suffixes like "e" or "ge".
func ParseCond(s string) (Cond, bool) {
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}

	return 0, false
}

func (e InvalidOperandError) Error() string {
	return fmt.Sprintf("%v: %s", e.Op, e.Reason)
}
