package format

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peachili/peachili/compiler/ir"
)

func TestFormatModule(t *testing.T) {
	m := ir.NewModule()

	f := m.AddFunc(ir.NewFunc("initialize"))
	hi, err := f.Literal("hi\n")
	require.NoError(t, err)

	f.Block("entry").Add(
		ir.Push{W: ir.QWord, Src: ir.RBP},
		ir.Mov{W: ir.QWord, Src: ir.RSP, Dst: ir.RBP},
		ir.Sub{W: ir.QWord, Src: ir.Imm(16), Dst: ir.RSP},
		ir.Mov{W: ir.DWord, Src: ir.Imm(1), Dst: ir.Mem{Base: ir.RBP, Off: -8}},
		ir.LeaLiteral{Dst: ir.RSI, Literal: hi},
		ir.Cmp{W: ir.QWord, Src: ir.Imm(0), Dst: ir.RAX},
		ir.Jcc{Cond: ir.CondNE, Target: "exit"},
		ir.Call{Target: "main"},
	)

	f.Block("exit").Add(
		ir.Mov{W: ir.QWord, Src: ir.Imm(60), Dst: ir.RAX},
		ir.Syscall{},
		ir.Raw{Bytes: []byte{0x90, 0x0f}},
	)

	b, err := Format(context.Background(), nil, m)
	require.NoError(t, err)

	exp := "\t.text\n" +
		"\n" +
		"\t.global initialize\n" +
		"initialize:\n" +
		"initialize.entry:\n" +
		"\tpushq %rbp\n" +
		"\tmovq %rsp, %rbp\n" +
		"\tsubq $16, %rsp\n" +
		"\tmovl $1, -8(%rbp)\n" +
		"\tleaq " + hi.Label() + "(%rip), %rsi\n" +
		"\tcmpq $0, %rax\n" +
		"\tjne initialize.exit\n" +
		"\tcall main\n" +
		"initialize.exit:\n" +
		"\tmovq $60, %rax\n" +
		"\tsyscall\n" +
		"\t.byte 0x90, 0x0f\n" +
		"\n" +
		"\t.section .rodata\n" +
		hi.Label() + ":\n" +
		"\t.string \"hi\\n\"\n"

	assert.Equal(t, exp, string(b))
}

func TestFormatInstr(t *testing.T) {
	b, err := Format(context.Background(), nil, ir.Add{W: ir.DWord, Src: ir.R9, Dst: ir.RAX})
	require.NoError(t, err)
	assert.Equal(t, "addl %r9d, %eax\n", string(b))

	_, err = Format(context.Background(), nil, 3)
	assert.Error(t, err)
}

func TestFormatLiteralEscapes(t *testing.T) {
	for _, tc := range []struct {
		s   string
		exp string
	}{
		{"hi\n", `"hi\n"`},
		{"\x01ab", `"\001ab"`},
		{"x\u00a0y", `"x\302\240y"`},
		{`say "a\b"`, `"say \"a\\b\""`},
		{"\t\x7f", `"\011\177"`},
	} {
		m := ir.NewModule()
		f := m.AddFunc(ir.NewFunc("initialize"))

		id, err := f.Literal(tc.s)
		require.NoError(t, err)

		f.Block("entry").Add(ir.LeaLiteral{Dst: ir.RSI, Literal: id}, ir.Ret{})

		b, err := Format(context.Background(), nil, m)
		require.NoError(t, err)

		assert.Contains(t, string(b), id.Label()+":\n\t.string "+tc.exp+"\n", "%q", tc.s)
	}
}
