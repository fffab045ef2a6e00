package shared

import "maps"

// Output is the user-facing result of a piece of work: plain text plus an
// optional structured UI payload (e.g. {"actions": [[{"text": ..., "callback_data": ...}]]}).
// UI is carried as-is through every store; it is never rendered to text here.
type Output struct {
	Text string         `json:"text"`
	UI   map[string]any `json:"ui,omitempty"`
}

// HasUI reports whether a structured payload is attached.
func (o Output) HasUI() bool { return len(o.UI) > 0 }

// Merge folds a result map into o. A "ui" map in result is merged key by key
// over the existing UI; text replaces o.Text when non-empty, falling back to
// a string "text" entry of result.
func (o Output) Merge(result map[string]any, text string) Output {
	out := Output{Text: o.Text, UI: maps.Clone(o.UI)}
	if ui, ok := result["ui"].(map[string]any); ok {
		if out.UI == nil {
			out.UI = make(map[string]any, len(ui))
		}
		maps.Copy(out.UI, ui)
	}
	switch {
	case text != "":
		out.Text = text
	default:
		if s, ok := result["text"].(string); ok && s != "" {
			out.Text = s
		}
	}
	return out
}

// MergeMaps returns a copy of dst with src's keys laid over it.
func MergeMaps(dst, src map[string]any) map[string]any {
	if len(dst) == 0 && len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}
