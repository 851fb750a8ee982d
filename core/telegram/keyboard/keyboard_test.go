package keyboard

import "testing"

func TestReplyPreservesRowShape(t *testing.T) {
	markup := Reply([][]string{{"a"}, {"b", "c"}})
	if markup == nil {
		t.Fatal("expected markup")
	}
	if !markup.ResizeKeyboard {
		t.Fatal("keyboard must be resizable")
	}
	if len(markup.ReplyKeyboard) != 2 {
		t.Fatalf("rows = %d", len(markup.ReplyKeyboard))
	}
	if len(markup.ReplyKeyboard[0]) != 1 || markup.ReplyKeyboard[0][0].Text != "a" {
		t.Fatalf("row 0 = %+v", markup.ReplyKeyboard[0])
	}
	if len(markup.ReplyKeyboard[1]) != 2 || markup.ReplyKeyboard[1][1].Text != "c" {
		t.Fatalf("row 1 = %+v", markup.ReplyKeyboard[1])
	}
}

func TestReplyEmptyInput(t *testing.T) {
	if Reply(nil) != nil {
		t.Fatal("nil rows must yield nil markup")
	}
	if Reply([][]string{}) != nil {
		t.Fatal("empty rows must yield nil markup")
	}
	if Reply([][]string{{}, {}}) != nil {
		t.Fatal("rows of empty rows must yield nil markup")
	}
}

func TestReplySkipsEmptyRows(t *testing.T) {
	markup := Reply([][]string{{}, {"ok"}})
	if markup == nil || len(markup.ReplyKeyboard) != 1 {
		t.Fatalf("markup = %+v", markup)
	}
	if markup.ReplyKeyboard[0][0].Text != "ok" {
		t.Fatalf("row = %+v", markup.ReplyKeyboard[0])
	}
}

func TestRemoveHidesKeyboard(t *testing.T) {
	if !Remove().RemoveKeyboard {
		t.Fatal("remove markup must set RemoveKeyboard")
	}
}
