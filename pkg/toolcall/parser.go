// Package toolcall extracts tool invocation requests embedded in model output as
// <tool_call>{"name": ..., "arguments": {...}}</tool_call> blocks.
package toolcall

import (
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
)

const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

var blockPattern = regexp.MustCompile(`<tool_call>([\s\S]*?)</tool_call>`)

var (
	ErrInvalidJSON      = goerr.New("invalid JSON in tool call")
	ErrInvalidArguments = goerr.New("tool call arguments must be an object")
)

// Block is one delimited tool call. Exactly one of Request and Err is set. Raw is
// the whitespace trimmed text between the markers.
type Block struct {
	Raw     string
	Request *model.ToolCallRequest
	Err     error
}

// Parse returns a lazy sequence of blocks in document order. A malformed block is
// yielded with Err set and does not stop the sequence. Ranging over the result
// again re-scans the same text from the start.
func Parse(text string) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		rest := text
		for {
			loc := blockPattern.FindStringSubmatchIndex(rest)
			if loc == nil {
				return
			}
			raw := strings.TrimSpace(rest[loc[2]:loc[3]])
			rest = rest[loc[1]:]

			if !yield(decode(raw)) {
				return
			}
		}
	}
}

// Contains reports whether text holds at least one tool call block
func Contains(text string) bool {
	return blockPattern.MatchString(text)
}

// Strip removes every tool call block from text
func Strip(text string) string {
	return blockPattern.ReplaceAllString(text, "")
}

type rawCall struct {
	ID        any             `json:"id"`
	Name      any             `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func decode(raw string) Block {
	block := Block{Raw: raw}

	var call rawCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		block.Err = goerr.Wrap(ErrInvalidJSON, err.Error(), goerr.V("raw", raw))
		return block
	}

	req := &model.ToolCallRequest{
		Arguments: map[string]any{},
	}
	if name, ok := call.Name.(string); ok {
		req.Name = name
	}
	switch id := call.ID.(type) {
	case nil:
	case string:
		req.ID = id
	default:
		req.ID = fmt.Sprint(id)
	}

	if len(call.Arguments) > 0 && string(call.Arguments) != "null" {
		if err := json.Unmarshal(call.Arguments, &req.Arguments); err != nil {
			block.Err = goerr.Wrap(ErrInvalidArguments, err.Error(), goerr.V("raw", raw))
			return block
		}
	}

	block.Request = req
	return block
}
