package plugintest

const (
	entryPrefix      = "yf_on_initialize__"
	asyncEntryPrefix = "yf_on_initialize_async__"

	dataBase = 64
)

// Import is an extra raw function import for a Plugin module.
type Import struct {
	Module, Name string
	Sig          Sig
}

// Message is sent through yufan.send_message from the entry hook.
type Message struct {
	Target, Text string
}

// Plugin describes a guest entry module in the shape a wasip1 reactor build
// produces: an exported memory, an _initialize constructor and one or more
// yf_on_initialize__<Entry> hooks.
type Plugin struct {
	// Entries become yf_on_initialize__<name> exports with signature () -> i32
	Entries []string
	// Async adds yf_on_initialize_async__<name> for each entry
	Async bool
	// MalformedEntries are exported with the wrong signature () -> ()
	MalformedEntries []string
	// Status is returned by every hook unless Greeting is set
	Status int32
	// TrapOnInit makes _initialize hit unreachable
	TrapOnInit bool
	// Greeting is sent from the synchronous hook; its status becomes the hook result
	Greeting *Message
	// Log is written through yufan.log at info level from the synchronous hook
	Log string
	// Library imports <Library>.version and re-exports it as lib_version
	Library string
	// SelfID imports yufan.self_id and re-exports it as bot_self_id
	SelfID bool
	// Imports are declared but never called
	Imports []Import
}

// Wasm assembles the module.
func (p Plugin) Wasm() []byte {
	m := NewModule()

	var sendIdx, logIdx, selfIdx, libIdx uint32
	if p.Greeting != nil {
		sendIdx = m.Import("yufan", "send_message", Sig{Params: []ValType{I32, I32, I32, I32}, Results: []ValType{I32}})
	}
	if p.Log != "" {
		logIdx = m.Import("yufan", "log", Sig{Params: []ValType{I32, I32, I32}})
	}
	if p.SelfID {
		selfIdx = m.Import("yufan", "self_id", Sig{Results: []ValType{I64}})
	}
	if p.Library != "" {
		libIdx = m.Import(p.Library, "version", Sig{Results: []ValType{I32}})
	}
	for _, imp := range p.Imports {
		m.Import(imp.Module, imp.Name, imp.Sig)
	}

	m.Memory(1, "memory")

	offset := int32(dataBase)
	place := func(s string) (int32, int32) {
		at := offset
		m.Data(at, []byte(s))
		offset += int32(len(s))
		return at, int32(len(s))
	}

	var hook [][]byte
	if p.Log != "" {
		ptr, size := place(p.Log)
		hook = append(hook, I32Const(1), I32Const(ptr), I32Const(size), Call(logIdx))
	}
	if p.Greeting != nil {
		tptr, tlen := place(p.Greeting.Target)
		mptr, mlen := place(p.Greeting.Text)
		hook = append(hook, I32Const(tptr), I32Const(tlen), I32Const(mptr), I32Const(mlen), Call(sendIdx))
	} else {
		hook = append(hook, I32Const(p.Status))
	}

	var initCode []byte
	if p.TrapOnInit {
		initCode = Unreachable()
	}
	m.Export("_initialize", m.Func(Sig{}, initCode))

	status := Sig{Results: []ValType{I32}}
	for _, entry := range p.Entries {
		m.Export(entryPrefix+entry, m.Func(status, hook...))
		if p.Async {
			m.Export(asyncEntryPrefix+entry, m.Func(status, I32Const(p.Status)))
		}
	}
	for _, entry := range p.MalformedEntries {
		m.Export(entryPrefix+entry, m.Func(Sig{}))
	}
	if p.Library != "" {
		m.Export("lib_version", m.Func(status, Call(libIdx)))
	}
	if p.SelfID {
		m.Export("bot_self_id", m.Func(Sig{Results: []ValType{I64}}, Call(selfIdx)))
	}

	return m.Bytes()
}

// Library describes a private dependency module exporting version() -> i32.
type Library struct {
	Version int32
	// Import, when set, makes version() return Version plus <Import>.version()
	Import string
}

// Wasm assembles the module.
func (l Library) Wasm() []byte {
	m := NewModule()
	status := Sig{Results: []ValType{I32}}

	code := [][]byte{I32Const(l.Version)}
	if l.Import != "" {
		dep := m.Import(l.Import, "version", status)
		code = append(code, Call(dep), I32Add())
	}

	m.Export("_initialize", m.Func(Sig{}))
	m.Export("version", m.Func(status, code...))
	return m.Bytes()
}
