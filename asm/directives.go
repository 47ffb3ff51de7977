package asm

import "fmt"

// directiveHandler implements one `.xxx` directive. It runs once per pass
// so pass 1 and pass 2 agree on address arithmetic; handlers that only
// affect metadata check w.pass themselves where it matters.
type directiveHandler func(w *walker, pl *parsedLine) error

var directiveHandlers = map[string]directiveHandler{}

// registerDirective mirrors gintendo's mappers.RegisterMapper: a global
// registry populated by init(), looked up by name at assemble time.
func registerDirective(name string, h directiveHandler) {
	if _, exists := directiveHandlers[name]; exists {
		panic(fmt.Sprintf("asm: directive %q already registered", name))
	}
	directiveHandlers[name] = h
}

func metadataDirective(set func(*Metadata, string)) directiveHandler {
	return func(w *walker, pl *parsedLine) error {
		set(&w.meta, pl.quoted)
		return nil
	}
}

func init() {
	registerDirective(".name", metadataDirective(func(m *Metadata, s string) { m.Name = s }))
	registerDirective(".author", metadataDirective(func(m *Metadata, s string) { m.Author = s }))
	registerDirective(".version", metadataDirective(func(m *Metadata, s string) { m.Version = s }))
	registerDirective(".strategy", metadataDirective(func(m *Metadata, s string) { m.Strategy = s }))

	registerDirective(".code", func(w *walker, pl *parsedLine) error { w.section = "code"; return nil })
	registerDirective(".data", func(w *walker, pl *parsedLine) error { w.section = "data"; return nil })
	registerDirective(".const", func(w *walker, pl *parsedLine) error { w.section = "const"; return nil })

	registerDirective(".org", func(w *walker, pl *parsedLine) error {
		v, err := w.evalExpr(pl.fields)
		if err != nil {
			return fmt.Errorf("invalid .org operand")
		}
		w.setOrigin(v)
		return nil
	})

	registerDirective(".space", func(w *walker, pl *parsedLine) error {
		v, err := w.evalExpr(pl.fields)
		if err != nil {
			return fmt.Errorf("invalid .space operand")
		}
		w.emitZeros(int(v))
		return nil
	})

	registerDirective(".align", func(w *walker, pl *parsedLine) error {
		v, err := w.evalExpr(pl.fields)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid .align operand")
		}
		if rem := w.addr % v; rem != 0 {
			w.emitZeros(int(v - rem))
		}
		return nil
	})

	// .include is restricted to pre-registered raw byte blobs rather than
	// source-level splicing — see DESIGN.md. The loader supplies these via
	// Assembler.Includes before calling Assemble.
	registerDirective(".include", func(w *walker, pl *parsedLine) error {
		data, ok := w.includes[pl.quoted]
		if !ok {
			return fmt.Errorf("unknown include %q", pl.quoted)
		}
		for _, b := range data {
			w.emitByteOrAdvance(b)
		}
		return nil
	})
}
