package asm

// SymbolTable maps identifiers to signed 32-bit addresses, populated
// during the assembler's first pass. "$" is predefined to mean the current
// emission address at the point it's referenced.
type SymbolTable struct {
	values map[string]int32
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{values: make(map[string]int32)}
}

// Set records (or overwrites) a symbol's value.
func (t *SymbolTable) Set(name string, value int32) {
	t.values[name] = value
}

// Lookup returns a symbol's value and whether it was defined. Per spec.md
// §4.B's failure semantics, unresolved identifiers default to 0 at the call
// site rather than here — Lookup reports the miss so the caller can decide.
func (t *SymbolTable) Lookup(name string) (int32, bool) {
	v, ok := t.values[name]
	return v, ok
}

// Resolve returns a symbol's value, defaulting to 0 if undefined. This is
// the assembler's pass-2 behavior: an unresolved symbol contributes 0, not
// an error, preserving self-referential metaprogramming patterns.
func (t *SymbolTable) Resolve(name string) int32 {
	return t.values[name]
}

// Shift adds delta to every symbol's value, used during relocation.
func (t *SymbolTable) Shift(delta int32) {
	for k, v := range t.values {
		t.values[k] = v + delta
	}
}

// Names returns every defined symbol name, for diagnostics/tests.
func (t *SymbolTable) Names() []string {
	out := make([]string, 0, len(t.values))
	for k := range t.values {
		out = append(out, k)
	}
	return out
}
