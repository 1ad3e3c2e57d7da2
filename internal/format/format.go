// Package format detects and extracts the dual-segment structure of agent
// responses: a reasoning segment followed by an answer segment, each bounded
// by a configurable tag pair.
//
// Matching is case-insensitive and spans line breaks. The combined check and
// the per-segment extractions are independent: a response with only an
// answer segment fails Validate but still yields an answer from
// ExtractAnswer.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TagPair is an opening and closing delimiter literal.
type TagPair struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Default tag vocabulary.
var (
	DefaultReasoningTags = TagPair{Open: "<think>", Close: "</think>"}
	DefaultAnswerTags    = TagPair{Open: "<answer>", Close: "</answer>"}
)

// ErrEmptyTag is returned by New when a tag literal is empty.
var ErrEmptyTag = errors.New("tag literal cannot be empty")

// Response is a raw text partitioned into its two segments.
type Response struct {
	Valid          bool   `json:"valid"`
	Reasoning      string `json:"reasoning,omitempty"`
	ReasoningFound bool   `json:"reasoning_found"`
	Answer         string `json:"answer,omitempty"`
	AnswerFound    bool   `json:"answer_found"`
}

// Validator holds compiled patterns for one tag vocabulary. It is immutable
// and safe for concurrent use.
type Validator struct {
	reasoning TagPair
	answer    TagPair

	combined    *regexp.Regexp
	reasoningRe *regexp.Regexp
	answerRe    *regexp.Regexp
}

// New compiles a Validator for the given tag pairs. The literals are quoted,
// never interpreted as patterns.
func New(reasoning, answer TagPair) (*Validator, error) {
	for _, lit := range []string{reasoning.Open, reasoning.Close, answer.Open, answer.Close} {
		if lit == "" {
			return nil, ErrEmptyTag
		}
	}

	segment := func(tp TagPair) string {
		return regexp.QuoteMeta(tp.Open) + `(.*?)` + regexp.QuoteMeta(tp.Close)
	}

	combined, err := regexp.Compile(`(?is)` + segment(reasoning) + `.*?` + segment(answer))
	if err != nil {
		return nil, fmt.Errorf("compiling combined pattern: %w", err)
	}
	reasoningRe, err := regexp.Compile(`(?is)` + segment(reasoning))
	if err != nil {
		return nil, fmt.Errorf("compiling reasoning pattern: %w", err)
	}
	answerRe, err := regexp.Compile(`(?is)` + segment(answer))
	if err != nil {
		return nil, fmt.Errorf("compiling answer pattern: %w", err)
	}

	return &Validator{
		reasoning:   reasoning,
		answer:      answer,
		combined:    combined,
		reasoningRe: reasoningRe,
		answerRe:    answerRe,
	}, nil
}

// MustNew is New for package-level defaults.
func MustNew(reasoning, answer TagPair) *Validator {
	v, err := New(reasoning, answer)
	if err != nil {
		panic(err)
	}
	return v
}

// Default uses <think>/</think> and <answer>/</answer>.
func Default() *Validator {
	return MustNew(DefaultReasoningTags, DefaultAnswerTags)
}

// Validate reports whether a reasoning segment is eventually followed by an
// answer segment anywhere in text.
func (v *Validator) Validate(text string) bool {
	return v.combined.MatchString(text)
}

// ExtractReasoning returns the trimmed body of the first reasoning segment.
func (v *Validator) ExtractReasoning(text string) (string, bool) {
	return extract(v.reasoningRe, text)
}

// ExtractAnswer returns the trimmed body of the first answer segment.
func (v *Validator) ExtractAnswer(text string) (string, bool) {
	return extract(v.answerRe, text)
}

// Parse runs the combined check and both extractions.
func (v *Validator) Parse(text string) Response {
	r := Response{Valid: v.Validate(text)}
	r.Reasoning, r.ReasoningFound = v.ExtractReasoning(text)
	r.Answer, r.AnswerFound = v.ExtractAnswer(text)
	return r
}

// Tags returns the configured vocabulary.
func (v *Validator) Tags() (reasoning, answer TagPair) {
	return v.reasoning, v.answer
}

func extract(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
