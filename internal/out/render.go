// Package out writes command envelopes to stdout and execution progress to
// stderr.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
)

type Options struct {
	Mode        string
	Select      []string
	ResultsOnly bool
}

func Render(w io.Writer, env model.Envelope, opts Options) error {
	data := env.Data
	if len(opts.Select) > 0 {
		data = project(normalize(data), opts.Select)
	}

	if opts.ResultsOnly {
		if opts.Mode == "plain" {
			return renderPlain(w, data)
		}
		return encodeJSON(w, data)
	}
	if opts.Mode != "plain" {
		env.Data = data
		return encodeJSON(w, env)
	}

	view := map[string]any{
		"success": env.Success,
		"data":    data,
		"meta":    env.Meta,
	}
	if len(env.Warnings) > 0 {
		view["warnings"] = env.Warnings
	}
	if env.Error != nil {
		view["error"] = env.Error
	}
	return renderPlain(w, view)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlain prints one key=value line per list element, or a single line
// for anything else.
func renderPlain(w io.Writer, data any) error {
	n := normalize(data)
	items, isList := n.([]any)
	if !isList {
		_, err := fmt.Fprintln(w, line(n))
		return err
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	for _, item := range items {
		if _, err := fmt.Fprintln(w, line(item)); err != nil {
			return err
		}
	}
	return nil
}

func project(n any, fields []string) any {
	switch t := n.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, pick(m, fields))
			}
		}
		return rows
	case map[string]any:
		return pick(t, fields)
	default:
		return n
	}
}

// pick keeps the named fields. A dotted name reaches into nested objects.
func pick(m map[string]any, fields []string) map[string]any {
	picked := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			picked[f] = v
		}
	}
	return picked
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalize(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return v
	}
	return generic
}

func line(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		buf, _ := json.Marshal(v)
		return string(buf)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		val := m[k]
		switch val.(type) {
		case map[string]any, []any:
			buf, _ := json.Marshal(val)
			parts = append(parts, fmt.Sprintf("%s=%s", k, buf))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, val))
		}
	}
	return strings.Join(parts, " ")
}

// Progress prints route status transitions as they happen. Report matches
// the engine's status callback.
type Progress struct {
	mu     sync.Mutex
	w      io.Writer
	routes []model.ResolvedRoute
}

func NewProgress(w io.Writer, routes []model.ResolvedRoute) *Progress {
	return &Progress{w: w, routes: routes}
}

func (p *Progress) Report(index int, status model.RouteStatus, errMsg string) {
	if p == nil || p.w == nil || index < 0 || index >= len(p.routes) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	route := p.routes[index]
	kind := "routed"
	if route.IsDirect {
		kind = "direct"
	}
	msg := fmt.Sprintf("[%d/%d] %s on %s (%s): %s", index+1, len(p.routes), route.Asset.Asset.Symbol, route.Asset.Chain, kind, status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	_, _ = fmt.Fprintln(p.w, msg)
}
