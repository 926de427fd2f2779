package plugintest

import (
	"bytes"
	"fmt"
)

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Sig is a function signature.
type Sig struct {
	Params  []ValType
	Results []ValType
}

func (s Sig) key() string {
	return fmt.Sprintf("%x->%x", s.Params, s.Results)
}

type funcImport struct {
	module, name string
	typ          uint32
}

type funcBody struct {
	typ  uint32
	code []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset int32
	data   []byte
}

// Module assembles a minimal WebAssembly binary. Imports must be declared
// before any function is defined since imported functions come first in the
// function index space.
type Module struct {
	types    []Sig
	typeIdx  map[string]uint32
	imports  []funcImport
	funcs    []funcBody
	memPages int
	exports  []export
	data     []segment
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{typeIdx: make(map[string]uint32), memPages: -1}
}

func (m *Module) typeOf(s Sig) uint32 {
	if idx, ok := m.typeIdx[s.key()]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, s)
	m.typeIdx[s.key()] = idx
	return idx
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, sig Sig) uint32 {
	if len(m.funcs) > 0 {
		panic("plugintest: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: m.typeOf(sig)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function with the given instruction sequence (without the
// trailing end opcode) and returns its function index.
func (m *Module) Func(sig Sig, code ...[]byte) uint32 {
	m.funcs = append(m.funcs, funcBody{typ: m.typeOf(sig), code: bytes.Join(code, nil)})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports the function at idx under name.
func (m *Module) Export(name string, idx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: 0x00, idx: idx})
	return m
}

// Memory defines memory 0 with the given number of pages and exports it.
func (m *Module) Memory(pages int, name string) *Module {
	m.memPages = pages
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: 0x02, idx: 0})
	}
	return m
}

// Data places bytes into memory 0 at offset.
func (m *Module) Data(offset int32, data []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: data})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.types))))
		for _, t := range m.types {
			sec.WriteByte(0x60)
			sec.Write(uleb(uint64(len(t.Params))))
			for _, p := range t.Params {
				sec.WriteByte(byte(p))
			}
			sec.Write(uleb(uint64(len(t.Results))))
			for _, r := range t.Results {
				sec.WriteByte(byte(r))
			}
		}
		writeSection(&out, 1, sec.Bytes())
	}

	if len(m.imports) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.imports))))
		for _, imp := range m.imports {
			sec.Write(name(imp.module))
			sec.Write(name(imp.name))
			sec.WriteByte(0x00)
			sec.Write(uleb(uint64(imp.typ)))
		}
		writeSection(&out, 2, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.funcs))))
		for _, f := range m.funcs {
			sec.Write(uleb(uint64(f.typ)))
		}
		writeSection(&out, 3, sec.Bytes())
	}

	if m.memPages >= 0 {
		var sec bytes.Buffer
		sec.Write(uleb(1))
		sec.WriteByte(0x00)
		sec.Write(uleb(uint64(m.memPages)))
		writeSection(&out, 5, sec.Bytes())
	}

	if len(m.exports) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.exports))))
		for _, e := range m.exports {
			sec.Write(name(e.name))
			sec.WriteByte(e.kind)
			sec.Write(uleb(uint64(e.idx)))
		}
		writeSection(&out, 7, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.funcs))))
		for _, f := range m.funcs {
			var body bytes.Buffer
			body.Write(uleb(0)) // no locals
			body.Write(f.code)
			body.WriteByte(0x0b)
			sec.Write(uleb(uint64(body.Len())))
			sec.Write(body.Bytes())
		}
		writeSection(&out, 10, sec.Bytes())
	}

	if len(m.data) > 0 {
		var sec bytes.Buffer
		sec.Write(uleb(uint64(len(m.data))))
		for _, d := range m.data {
			sec.WriteByte(0x00)
			sec.Write(I32Const(d.offset))
			sec.WriteByte(0x0b)
			sec.Write(uleb(uint64(len(d.data))))
			sec.Write(d.data)
		}
		writeSection(&out, 11, sec.Bytes())
	}

	return out.Bytes()
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(int64(v))...)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{0x42}, sleb(v)...)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return append([]byte{0x10}, uleb(uint64(idx))...)
}

// Unreachable encodes the trapping unreachable instruction.
func Unreachable() []byte { return []byte{0x00} }

// Drop pops the top of the stack.
func Drop() []byte { return []byte{0x1a} }

// I32Add adds the two i32 values on top of the stack.
func I32Add() []byte { return []byte{0x6a} }

func writeSection(out *bytes.Buffer, id byte, content []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint64(len(content))))
	out.Write(content)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
