package irfile

import (
	"bytes"
	"context"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/peachili/peachili/compiler/ir"
)

type (
	File struct {
		Funcs []Func `yaml:"funcs"`
	}

	Func struct {
		Name   string  `yaml:"name"`
		Blocks []Block `yaml:"blocks"`
	}

	Block struct {
		Name string  `yaml:"name"`
		Code []Instr `yaml:"code"`
	}

	Instr struct {
		Op      string   `yaml:"op"`
		W       int      `yaml:"w,omitempty"`
		Src     *Operand `yaml:"src,omitempty"`
		Dst     *Operand `yaml:"dst,omitempty"`
		Target  string   `yaml:"target,omitempty"`
		Cond    string   `yaml:"cond,omitempty"`
		Literal *string  `yaml:"literal,omitempty"`
		Bytes   []byte   `yaml:"bytes,omitempty"`
	}

	Operand struct {
		Imm *int64 `yaml:"imm,omitempty"`
		Reg string `yaml:"reg,omitempty"`
		Mem *Mem   `yaml:"mem,omitempty"`
	}

	Mem struct {
		Base string `yaml:"base"`
		Off  int    `yaml:"off,omitempty"`
	}
)

func ReadFile(ctx context.Context, name string) (*ir.Module, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(data), "name", name)

	return Decode(ctx, data)
}

// Decode parses a YAML module description.
func Decode(ctx context.Context, data []byte) (m *ir.Module, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "decode ir")
	defer tr.Finish("err", &err)

	var file File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err = dec.Decode(&file)
	if err != nil {
		return nil, errors.Wrap(err, "yaml")
	}

	m = ir.NewModule()

	for _, yf := range file.Funcs {
		f := ir.NewFunc(yf.Name)

		for _, yb := range yf.Blocks {
			if f.BlockByName(yb.Name) != nil {
				return nil, errors.New("func %v: duplicate block %q", yf.Name, yb.Name)
			}

			b := f.Block(yb.Name)

			for i, yx := range yb.Code {
				x, err := yx.instr(f)
				if err != nil {
					return nil, errors.Wrap(err, "func %v: block %v: instr %d", yf.Name, yb.Name, i)
				}

				b.Add(x)
			}
		}

		m.AddFunc(f)
	}

	err = m.Validate()
	if err != nil {
		return nil, err
	}

	tr.Printw("decoded", "funcs", len(m.Funcs))

	return m, nil
}

func (x Instr) instr(f *ir.Func) (ir.Instr, error) {
	w := ir.QWord
	if x.W != 0 {
		w = ir.Width(x.W)
	}

	op := strings.ToLower(x.Op)

	switch op {
	case "add", "sub", "mov", "cmp":
		src, err := x.Src.operand("src")
		if err != nil {
			return nil, err
		}

		dst, err := x.Dst.operand("dst")
		if err != nil {
			return nil, err
		}

		switch op {
		case "add":
			return ir.Add{W: w, Src: src, Dst: dst}, nil
		case "sub":
			return ir.Sub{W: w, Src: src, Dst: dst}, nil
		case "mov":
			return ir.Mov{W: w, Src: src, Dst: dst}, nil
		default:
			return ir.Cmp{W: w, Src: src, Dst: dst}, nil
		}
	case "imul", "mul":
		src, err := x.Src.operand("src")
		if err != nil {
			return nil, err
		}

		dst, err := x.Dst.reg("dst")
		if err != nil {
			return nil, err
		}

		return ir.IMul{W: w, Src: src, Dst: dst}, nil
	case "idiv", "div":
		src, err := x.Src.operand("src")
		if err != nil {
			return nil, err
		}

		return ir.IDiv{W: w, Src: src}, nil
	case "lea":
		dst, err := x.Dst.reg("dst")
		if err != nil {
			return nil, err
		}

		if x.Literal != nil {
			id, err := f.Literal(*x.Literal)
			if err != nil {
				return nil, err
			}

			return ir.LeaLiteral{Dst: dst, Literal: id}, nil
		}

		if x.Src == nil || x.Src.Mem == nil {
			return nil, errors.New("lea: src: memory operand expected")
		}

		src, err := x.Src.operand("src")
		if err != nil {
			return nil, err
		}

		return ir.Lea{W: w, Src: src.(ir.Mem), Dst: dst}, nil
	case "neg", "inc", "pop":
		dst, err := x.Dst.operand("dst")
		if err != nil {
			return nil, err
		}

		switch op {
		case "neg":
			return ir.Neg{W: w, Dst: dst}, nil
		case "inc":
			return ir.Inc{W: w, Dst: dst}, nil
		default:
			return ir.Pop{W: w, Dst: dst}, nil
		}
	case "push":
		src, err := x.Src.operand("src")
		if err != nil {
			return nil, err
		}

		return ir.Push{W: w, Src: src}, nil
	case "call":
		return ir.Call{Target: x.Target}, nil
	case "ret":
		return ir.Ret{}, nil
	case "jmp":
		return ir.Jmp{Target: x.Target}, nil
	case "jcc":
		c, ok := ir.ParseCond(x.Cond)
		if !ok {
			return nil, errors.New("unknown condition: %q", x.Cond)
		}

		return ir.Jcc{Cond: c, Target: x.Target}, nil
	case "cqo", "cqto":
		return ir.Cqo{}, nil
	case "syscall":
		return ir.Syscall{}, nil
	case "raw":
		return ir.Raw{Bytes: x.Bytes}, nil
	}

	if c, ok := ir.ParseCond(strings.TrimPrefix(op, "j")); ok && strings.HasPrefix(op, "j") {
		return ir.Jcc{Cond: c, Target: x.Target}, nil
	}

	return nil, errors.New("unknown op: %q", x.Op)
}

func (x *Operand) operand(name string) (ir.Operand, error) {
	if x == nil {
		return nil, errors.New("%v: missing operand", name)
	}

	n := 0
	if x.Imm != nil {
		n++
	}
	if x.Reg != "" {
		n++
	}
	if x.Mem != nil {
		n++
	}

	if n != 1 {
		return nil, errors.New("%v: exactly one of imm, reg, mem expected", name)
	}

	switch {
	case x.Imm != nil:
		return ir.Imm(*x.Imm), nil
	case x.Reg != "":
		return x.reg(name)
	default:
		r, ok := ir.ParseReg(strings.TrimPrefix(x.Mem.Base, "%"))
		if !ok {
			return nil, errors.New("%v: unknown base register: %q", name, x.Mem.Base)
		}

		return ir.Mem{Base: r, Off: x.Mem.Off}, nil
	}
}

func (x *Operand) reg(name string) (ir.Reg, error) {
	if x == nil || x.Reg == "" {
		return 0, errors.New("%v: register expected", name)
	}

	r, ok := ir.ParseReg(strings.TrimPrefix(x.Reg, "%"))
	if !ok {
		return 0, errors.New("%v: unknown register: %q", name, x.Reg)
	}

	return r, nil
}
