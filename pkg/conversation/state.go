// Package conversation holds the canonical message log of one session and the
// transformations applied to it before it is sent to the model.
package conversation

import (
	"slices"

	"github.com/m-mizutani/jarvis/pkg/model"
)

// State is the ordered message log of one conversation. Index 0 is always the
// system message. State is not safe for concurrent use.
type State struct {
	messages []model.Message
}

// New creates a State seeded with the system message
func New(systemPrompt string) *State {
	return &State{
		messages: []model.Message{model.NewSystemMessage(systemPrompt)},
	}
}

// Append adds messages to the end of the log
func (x *State) Append(msgs ...model.Message) {
	x.messages = append(x.messages, msgs...)
}

// Messages returns a copy of the log
func (x *State) Messages() []model.Message {
	return slices.Clone(x.messages)
}

// Len returns the number of messages including the system message
func (x *State) Len() int {
	return len(x.messages)
}

// Last returns the most recent message
func (x *State) Last() (model.Message, bool) {
	if len(x.messages) == 0 {
		return model.Message{}, false
	}
	return x.messages[len(x.messages)-1], true
}

// EnforceTurnBound collapses the log to the system message plus the last
// 2*maxPairs messages when it holds more than 1+2*maxPairs. It reports whether
// anything was dropped.
func (x *State) EnforceTurnBound(maxPairs int) bool {
	return x.collapse(maxPairs*2+1, maxPairs*2)
}

// EnforceDispatchBound is the looser bound applied while tool results are being
// appended within one turn.
func (x *State) EnforceDispatchBound(maxPairs, numResults int) bool {
	return x.collapse(maxPairs*3+1+numResults, maxPairs*3+numResults)
}

func (x *State) collapse(limit, keep int) bool {
	if len(x.messages) <= limit {
		return false
	}

	collapsed := make([]model.Message, 0, keep+1)
	collapsed = append(collapsed, x.messages[0])
	if keep > 0 {
		collapsed = append(collapsed, x.messages[len(x.messages)-keep:]...)
	}
	x.messages = collapsed
	return true
}
