package baton

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint computes the structural identity of a pipeline: a 128-bit hex
// digest over its shape. Two pipelines fingerprint equal exactly when resume
// can safely continue a session recorded by the other.
//
// The digest covers, per unit: kind, name, and the structural extras:
// model provider and name, context stage names (sorted), tool definitions
// (sorted by tool name, schema canonicalized), the output schema, loop yield
// mode, and children in declaration order. It deliberately excludes
// everything behavioral: step bodies, adapters, timeouts, retry policy, and
// iteration caps.
func Fingerprint(r Runnable) string {
	var b strings.Builder
	writeShape(&b, r)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func writeShape(b *strings.Builder, r Runnable) {
	switch u := r.(type) {
	case *Agent:
		b.WriteString("(agent ")
		writeAtom(b, u.name)
		b.WriteString(" (model ")
		writeAtom(b, u.model.Provider)
		b.WriteByte(' ')
		writeAtom(b, u.model.Name)
		b.WriteByte(')')
		names := make([]string, len(u.stages))
		for i, st := range u.stages {
			names[i] = st.name
		}
		sort.Strings(names)
		b.WriteString(" (stages")
		for _, n := range names {
			b.WriteByte(' ')
			writeAtom(b, n)
		}
		b.WriteByte(')')
		defs := make([]ToolDefinition, len(u.tools))
		for i, t := range u.tools {
			defs[i] = t.Definition()
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		b.WriteString(" (tools")
		for _, def := range defs {
			b.WriteString(" (tool ")
			writeAtom(b, def.Name)
			b.WriteByte(' ')
			b.WriteString(canonicalJSON(def.Schema))
			b.WriteByte(')')
		}
		b.WriteByte(')')
		if u.output != nil {
			b.WriteString(" (output ")
			b.WriteString(canonicalJSON(u.output.Raw()))
			b.WriteByte(')')
		}
		b.WriteByte(')')
	case *Step:
		b.WriteString("(step ")
		writeAtom(b, u.name)
		b.WriteByte(')')
	case *Sequence:
		b.WriteString("(sequence ")
		writeAtom(b, u.name)
		for _, c := range u.children {
			b.WriteByte(' ')
			writeShape(b, c)
		}
		b.WriteByte(')')
	case *Parallel:
		b.WriteString("(parallel ")
		writeAtom(b, u.name)
		for _, c := range u.children {
			b.WriteByte(' ')
			writeShape(b, c)
		}
		b.WriteByte(')')
	case *Loop:
		b.WriteString("(loop ")
		writeAtom(b, u.name)
		if u.yields {
			b.WriteString(" yields")
		}
		b.WriteByte(' ')
		writeShape(b, u.inner)
		b.WriteByte(')')
	default:
		b.WriteString("(")
		writeAtom(b, string(r.Kind()))
		b.WriteByte(' ')
		writeAtom(b, r.Name())
		b.WriteByte(')')
	}
}

// writeAtom quotes a name so that structurally different names can never
// collide in the canonical form.
func writeAtom(b *strings.Builder, s string) {
	b.WriteString(strconv.Quote(s))
}

// canonicalJSON renders a JSON document with sorted object keys and no
// whitespace, so formatting differences never change a fingerprint.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(enc)
	}
}
