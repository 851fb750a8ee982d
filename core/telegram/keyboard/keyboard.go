package keyboard

import tele "gopkg.in/telebot.v4"

// Reply builds a reply keyboard from rows of button labels. Row shapes
// are preserved as given; empty rows are skipped. Nil or empty input
// yields nil so callers can pass the result straight to Send.
func Reply(rows [][]string) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	markup := &tele.ReplyMarkup{ResizeKeyboard: true}
	var kb []tele.Row
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		var buttons []tele.Btn
		for _, label := range row {
			buttons = append(buttons, markup.Text(label))
		}
		kb = append(kb, markup.Row(buttons...))
	}
	if len(kb) == 0 {
		return nil
	}
	markup.Reply(kb...)
	return markup
}

// Remove returns a markup that hides a previously shown keyboard.
func Remove() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}
