package model

import "strings"

const (
	ThinkOpenTag  = "<think>"
	ThinkCloseTag = "</think>"
)

// Response keeps the two textual copies of one model response. HistoryText carries
// the reasoning block and is recorded into the conversation; ParseText is the raw
// content and is the only copy scanned for tool calls.
type Response struct {
	HistoryText string
	ParseText   string
}

// NewResponse builds a Response from the provider's content and optional reasoning
// field. The reasoning is prepended as a think block unless the content already
// starts with the same block.
func NewResponse(content, reasoning string) *Response {
	resp := &Response{
		HistoryText: content,
		ParseText:   content,
	}

	reasoning = strings.TrimSpace(reasoning)
	if reasoning == "" {
		return resp
	}

	block := ThinkOpenTag + "\n" + reasoning + "\n" + ThinkCloseTag
	if strings.HasPrefix(strings.TrimSpace(content), block) {
		return resp
	}

	separator := ""
	if content != "" {
		separator = "\n"
	}
	resp.HistoryText = block + separator + content
	return resp
}

// NewErrorResponse wraps an in-band error text. Both copies are identical so the
// error ends the turn as a final answer.
func NewErrorResponse(text string) *Response {
	return &Response{HistoryText: text, ParseText: text}
}
