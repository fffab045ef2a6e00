package channels

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("line split = %q", got)
	}

	// No newline in range: hard cut on rune boundaries.
	got = splitMessage(strings.Repeat("é", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("hard split = %q", got)
	}
}

func TestKeyboardFromUI(t *testing.T) {
	if _, ok := keyboardFromUI(nil); ok {
		t.Fatal("nil ui should yield no keyboard")
	}
	if _, ok := keyboardFromUI(map[string]any{"actions": []any{}}); ok {
		t.Fatal("empty actions should yield no keyboard")
	}

	ui := map[string]any{"actions": []any{
		[]any{
			map[string]any{"text": "Confirm", "callback_data": "yes"},
			map[string]any{"text": "Docs", "url": "https://example.com"},
			map[string]any{"text": "", "callback_data": "dropped"},
		},
		"not a row",
		[]any{map[string]any{"text": "no action"}},
	}}
	kb, ok := keyboardFromUI(ui)
	if !ok {
		t.Fatal("expected a keyboard")
	}
	if len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", kb.InlineKeyboard)
	}
	confirm, docs := kb.InlineKeyboard[0][0], kb.InlineKeyboard[0][1]
	if confirm.CallbackData == nil || *confirm.CallbackData != "yes" {
		t.Fatalf("confirm = %+v", confirm)
	}
	if docs.URL == nil || *docs.URL != "https://example.com" {
		t.Fatalf("docs = %+v", docs)
	}
}
