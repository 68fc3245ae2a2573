package conversation

import (
	"html"
	"strings"

	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/toolcall"
)

var controlTokens = strings.NewReplacer("<|im_end|>", "", "<|im_start|>", "")

// CleanFinal turns a raw model response into the user visible answer. Text after
// the last closing think marker is kept; an unterminated think block is dropped
// with everything after it. Tool call blocks and control tokens are removed and
// HTML entities are unescaped.
func CleanFinal(text string) string {
	if idx := strings.LastIndex(text, model.ThinkCloseTag); idx >= 0 {
		text = strings.TrimLeft(text[idx+len(model.ThinkCloseTag):], " \t\r\n")
	} else if idx := strings.Index(text, model.ThinkOpenTag); idx >= 0 {
		if strings.HasPrefix(strings.TrimSpace(text), model.ThinkOpenTag) {
			text = ""
		} else {
			text = strings.TrimRight(text[:idx], " \t\r\n")
		}
	}

	text = toolcall.Strip(text)
	text = controlTokens.Replace(text)
	return html.UnescapeString(strings.TrimSpace(text))
}
