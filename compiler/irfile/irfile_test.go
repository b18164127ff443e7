package irfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peachili/peachili/compiler/ir"
)

const hello = `
funcs:
  - name: initialize
    blocks:
      - name: entry
        code:
          - {op: push, src: {reg: rbp}}
          - {op: mov, src: {reg: rsp}, dst: {reg: rbp}}
          - {op: mov, w: 32, src: {imm: 7}, dst: {mem: {base: rbp, off: -8}}}
          - {op: lea, dst: {reg: rsi}, literal: "hello"}
          - {op: lea, src: {mem: {base: rbp, off: -8}}, dst: {reg: rdi}}
          - {op: cmp, src: {imm: 0}, dst: {reg: "%rax"}}
          - {op: jne, target: exit}
          - {op: jcc, cond: le, target: exit}
          - {op: call, target: main}
          - {op: raw, bytes: [144, 15]}
      - name: exit
        code:
          - {op: mov, src: {imm: 60}, dst: {reg: rax}}
          - {op: syscall}
  - name: main
    blocks:
      - name: entry
        code:
          - {op: cqo}
          - {op: div, src: {reg: rcx}}
          - {op: imul, src: {imm: 3}, dst: {reg: rax}}
          - {op: ret}
`

func TestDecode(t *testing.T) {
	m, err := Decode(context.Background(), []byte(hello))
	require.NoError(t, err)

	require.Len(t, m.Funcs, 2)

	f := m.Funcs[0]
	assert.Equal(t, "initialize", f.Name)
	require.Len(t, f.Blocks, 2)

	lit := ir.HashLiteral("hello")

	assert.Equal(t, []ir.Instr{
		ir.Push{W: ir.QWord, Src: ir.RBP},
		ir.Mov{W: ir.QWord, Src: ir.RSP, Dst: ir.RBP},
		ir.Mov{W: ir.DWord, Src: ir.Imm(7), Dst: ir.Mem{Base: ir.RBP, Off: -8}},
		ir.LeaLiteral{Dst: ir.RSI, Literal: lit},
		ir.Lea{W: ir.QWord, Src: ir.Mem{Base: ir.RBP, Off: -8}, Dst: ir.RDI},
		ir.Cmp{W: ir.QWord, Src: ir.Imm(0), Dst: ir.RAX},
		ir.Jcc{Cond: ir.CondNE, Target: "exit"},
		ir.Jcc{Cond: ir.CondLE, Target: "exit"},
		ir.Call{Target: "main"},
		ir.Raw{Bytes: []byte{0x90, 0x0f}},
	}, f.Blocks[0].Code)

	require.Len(t, f.Literals(), 1)
	assert.Equal(t, "hello", f.Literals()[0].Data)

	assert.Equal(t, []ir.Instr{
		ir.Cqo{},
		ir.IDiv{W: ir.QWord, Src: ir.RCX},
		ir.IMul{W: ir.QWord, Src: ir.Imm(3), Dst: ir.RAX},
		ir.Ret{},
	}, m.Funcs[1].Blocks[0].Code)
}

func TestDecodeErrors(t *testing.T) {
	for _, src := range []string{
		`funcs: [{name: f, blocks: [{name: a, code: [{op: frob}]}]}]`,
		`funcs: [{name: f, blocks: [{name: a, code: [{op: mov, src: {reg: xmm0}, dst: {reg: rax}}]}]}]`,
		`funcs: [{name: f, blocks: [{name: a, code: [{op: mov, src: {reg: rax, imm: 1}, dst: {reg: rax}}]}]}]`,
		`funcs: [{name: f, blocks: [{name: a, code: [{op: add, src: {reg: rax}, dst: {imm: 1}}]}]}]`,
		`funcs: [{name: f, blocks: [{name: a}, {name: a}]}]`,
		`funcs: [{name: f, blocks: [{name: a, code: [{op: jcc, cond: zz, target: a}]}]}]`,
		`funcs: [{name: f, bogus: 1}]`,
		`funcs: [{name: f, blocks: [{name: a, code: [{op: lea, src: {reg: rax}, dst: {reg: rax}}]}]}]`,
	} {
		_, err := Decode(context.Background(), []byte(src))
		assert.Error(t, err, "%s", src)
	}
}

func TestReadFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "hello.yaml")

	require.NoError(t, os.WriteFile(name, []byte(hello), 0o644))

	m, err := ReadFile(context.Background(), name)
	require.NoError(t, err)
	assert.Len(t, m.Funcs, 2)

	_, err = ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
