package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/user/r1x/pkg/llm"
)

// StepKind tags the outcome of one model call.
type StepKind int

const (
	StepEmpty StepKind = iota
	StepAnswer
	StepToolCall
)

func (k StepKind) String() string {
	switch k {
	case StepAnswer:
		return "answer"
	case StepToolCall:
		return "tool_call"
	default:
		return "empty"
	}
}

// Step is the result of one loop iteration.
type Step struct {
	Kind   StepKind
	Answer string
	Tool   string
	Input  json.RawMessage
	Usage  llm.Usage
}

var (
	replyPattern = regexp.MustCompile(`(?s)<r1xreply>(.*?)</r1xreply>`)

	errMalformedReply = errors.New("malformed model reply")

	replyValidator = validator.New(validator.WithRequiredStructEnabled())
)

// structuredReply is the only accepted shape of a delimited reply.
type structuredReply struct {
	Answer    string          `json:"ANSWER"`
	Tool      string          `json:"TOOL" validate:"required_without=Answer"`
	ToolInput json.RawMessage `json:"TOOL_INPUT" validate:"required_with=Tool"`
}

// parseReply extracts and strictly decodes the first delimited block of text.
func parseReply(text string) (Step, error) {
	m := replyPattern.FindStringSubmatch(text)
	if m == nil {
		return Step{}, fmt.Errorf("%w: no delimited block", errMalformedReply)
	}

	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(m[1])))
	dec.DisallowUnknownFields()
	var r structuredReply
	if err := dec.Decode(&r); err != nil {
		return Step{}, fmt.Errorf("%w: %w", errMalformedReply, err)
	}
	if dec.More() {
		return Step{}, fmt.Errorf("%w: trailing data", errMalformedReply)
	}
	// An answer wins over any tool fields, complete or not.
	if r.Answer != "" {
		return Step{Kind: StepAnswer, Answer: r.Answer}, nil
	}
	if err := replyValidator.Struct(r); err != nil {
		return Step{}, fmt.Errorf("%w: %w", errMalformedReply, err)
	}
	if bytes.Equal(bytes.TrimSpace(r.ToolInput), []byte("null")) {
		return Step{}, fmt.Errorf("%w: null tool input", errMalformedReply)
	}
	return Step{Kind: StepToolCall, Tool: r.Tool, Input: r.ToolInput}, nil
}

// finalAnswer interprets a reply on the last iteration, where any text is an
// answer but a well-formed ANSWER block is preferred.
func finalAnswer(text string) string {
	if step, err := parseReply(text); err == nil && step.Kind == StepAnswer {
		return step.Answer
	}
	return strings.TrimSpace(text)
}

// inputText renders a tool input for the result record: JSON strings are
// unquoted, anything else is compacted.
func inputText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
