// Package schema validates structured stage outputs.
//
// Parsing is a pure function from raw generator text to a ParseResult. Raw
// text is never coerced: unknown fields, wrong types, missing fields and
// empty mandatory strings are all rejected.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("notblank", validateNotBlank)

	// Report JSON names, not Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

var (
	jsonFenceOpen = regexp.MustCompile("```json\\s*\\{")
	anyFenceOpen  = regexp.MustCompile("```[a-zA-Z0-9]*\\s*\\{")
)

// ExtractJSON locates the JSON object in a generator response: an object
// opening a ```json fence first, then one opening any fence, then the span
// from the first '{' to the last '}'. Fenced objects are delimited by the
// JSON grammar, so fences inside string values do not cut them short.
func ExtractJSON(raw string) (string, bool) {
	for _, open := range []*regexp.Regexp{jsonFenceOpen, anyFenceOpen} {
		for _, loc := range open.FindAllStringIndex(raw, -1) {
			if obj, ok := leadingObject(raw[loc[1]-1:]); ok {
				return obj, true
			}
		}
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// leadingObject returns the JSON value at the start of s if it decodes.
func leadingObject(s string) (string, bool) {
	var obj json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&obj); err != nil {
		return "", false
	}
	return string(obj), true
}

// ParsePlanner parses and validates planner output.
func ParsePlanner(raw string) ParseResult[PlannerOutput] {
	return decodeStrict[PlannerOutput](StagePlanner, raw)
}

// ParseReasoning parses and validates reasoning output.
func ParseReasoning(raw string) ParseResult[ReasoningOutput] {
	return decodeStrict[ReasoningOutput](StageReasoning, raw)
}

// ParseProblem parses and validates a ProblemSpec document.
func ParseProblem(raw string) ParseResult[ProblemSpec] {
	return decodeStrict[ProblemSpec](StageProblem, raw)
}

// ValidateJSON parses raw against any struct contract T using the same
// strict rules as the stage parsers.
func ValidateJSON[T any](stage, raw string) ParseResult[T] {
	return decodeStrict[T](stage, raw)
}

// Check validates an already-constructed value, e.g. a ProblemSpec received
// from an API call.
func Check(stage string, v any) error {
	if err := validate.Struct(v); err != nil {
		return toViolation(stage, err)
	}
	return nil
}

var stageParsers = map[string]func(string) (any, error){
	StagePlanner: func(raw string) (any, error) { return ParsePlanner(raw).Get() },
	StageReasoning: func(raw string) (any, error) {
		return ParseReasoning(raw).Get()
	},
	StageProblem: func(raw string) (any, error) { return ParseProblem(raw).Get() },
}

// Stages lists the stage names accepted by ParseStage.
func Stages() []string {
	names := make([]string, 0, len(stageParsers))
	for name := range stageParsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseStage validates raw against the contract registered for stage.
func ParseStage(stage, raw string) (any, error) {
	parse, ok := stageParsers[stage]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownStage, stage, strings.Join(Stages(), ", "))
	}
	return parse(raw)
}

func decodeStrict[T any](stage, raw string) ParseResult[T] {
	body, ok := ExtractJSON(raw)
	if !ok {
		return Failure[T](FormatViolation(stage, "no JSON object found in output"))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var v T
	if err := dec.Decode(&v); err != nil {
		return Failure[T](classifyDecodeError(stage, err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Failure[T](FormatViolation(stage, "unexpected content after JSON object"))
	}
	if verr := checkFieldNames(stage, body, reflect.TypeFor[T]()); verr != nil {
		return Failure[T](verr)
	}

	if err := validate.Struct(v); err != nil {
		return Failure[T](toViolation(stage, err))
	}
	return Success(v)
}

// checkFieldNames rejects object keys that only match a field of t
// case-insensitively. encoding/json accepts those silently.
func checkFieldNames(stage, body string, t reflect.Type) *ViolationError {
	if t.Kind() != reflect.Struct {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &keys); err != nil {
		return FormatViolation(stage, fmt.Sprintf("invalid JSON: %v", err))
	}

	known := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		known[name] = true
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !known[k] {
			return SchemaViolation(stage, k, "unknown field")
		}
	}
	return nil
}

func classifyDecodeError(stage string, err error) *ViolationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "$"
		}
		return SchemaViolation(stage, field, fmt.Sprintf("expected %s, got JSON %s", typeErr.Type, typeErr.Value))
	}

	const unknownPrefix = "json: unknown field "
	if msg := err.Error(); strings.HasPrefix(msg, unknownPrefix) {
		field := strings.Trim(strings.TrimPrefix(msg, unknownPrefix), `"`)
		return SchemaViolation(stage, field, "unknown field")
	}

	return FormatViolation(stage, fmt.Sprintf("invalid JSON: %v", err))
}

// toViolation reports the first failing field.
func toViolation(stage string, err error) *ViolationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return SchemaViolation(stage, "", err.Error())
	}

	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}

	var reason string
	switch fe.Tag() {
	case "notblank":
		reason = "must be a non-empty string"
	case "required":
		reason = "is required"
	case "min":
		reason = fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	default:
		reason = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return SchemaViolation(stage, field, reason)
}
