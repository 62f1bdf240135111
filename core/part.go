package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Conversation roles used in Content.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// FunctionCall describes a tool/function invocation request.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Stable id paired with the FunctionResponse
	Name      string `json:"name"`                // Tool / function name
	Arguments string `json:"arguments,omitempty"` // Raw argument payload as produced by the model
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`       // Matches originating FunctionCall ID
	Name     string `json:"name"`               // Function name
	Status   string `json:"status"`             // success, error, timeout, cancelled
	Response any    `json:"response,omitempty"` // Successful result (any shape)
	Error    string `json:"error,omitempty"`    // Populated on failure
}

// Text renders the response for injection into a model conversation.
// Non-string results are JSON encoded.
func (r FunctionResponse) Text() string {
	if r.Error != "" {
		if r.Status != "" {
			return fmt.Sprintf("Error (%s): %s", r.Status, r.Error)
		}
		return "Error: " + r.Error
	}

	switch v := r.Response.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	b, err := json.Marshal(r.Response)
	if err != nil {
		return fmt.Sprintf("%v", r.Response)
	}

	return string(b)
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"` // Conversation role (user, assistant, tool, system)
	Parts []Part `json:"parts"`          // Ordered heterogeneous parts
}

// NewTextContent builds a single text part content for role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns the FunctionCall parts preserving their original order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the FunctionResponse parts preserving their original order.
func (c Content) FunctionResponses() []FunctionResponse {
	var responses []FunctionResponse
	for _, p := range c.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// Segment is one element of an inbound chat message. The set is closed.
type Segment interface{ isSegment() }

// TextSegment carries plain text.
type TextSegment struct {
	Text string
}

func (TextSegment) isSegment() {}

// MentionSegment references a user (e.g. "@bot").
type MentionSegment struct {
	UserID string
	Name   string
}

func (MentionSegment) isSegment() {}

// ImageSegment references an image by URL.
type ImageSegment struct {
	URL string
}

func (ImageSegment) isSegment() {}

// ReplySegment quotes an earlier message.
type ReplySegment struct {
	MessageID string
}

func (ReplySegment) isSegment() {}

// PlainText projects the text segments of a message into one string.
func PlainText(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if ts, ok := s.(TextSegment); ok {
			b.WriteString(ts.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
