package api

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Kind is the expected JSON type of a request field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBoolean
	KindArray
	KindObject
	// KindBooleanString accepts a bool or the strings "true"/"false" and
	// sanitizes the value to a bool in place.
	KindBooleanString
	// KindUUID accepts a string that parses as a UUID.
	KindUUID
)

// Rule is one entry of a handler's declarative parameter table.
type Rule struct {
	Field    string
	Kind     Kind
	Optional bool
	// Default is stored into the params map when an optional field is
	// absent. Nil means no default.
	Default any
	// Pattern, when set, must match string values.
	Pattern *regexp.Regexp
}

// validate checks params against rules, applying defaults and sanitizing
// in place. With strict set, unknown keys are rejected. Returns the
// per-field failures, empty when the request is well-formed.
func validate(params map[string]any, rules []Rule, strict bool) []FieldError {
	var fails []FieldError
	fail := func(field, message string) {
		fails = append(fails, FieldError{Field: field, Code: "Invalid", Message: message})
	}

	known := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		known[rule.Field] = struct{}{}

		v, present := params[rule.Field]
		if !present || v == nil {
			if !rule.Optional {
				fail(rule.Field, "missing required parameter")
			} else if rule.Default != nil {
				params[rule.Field] = rule.Default
			}
			continue
		}

		switch rule.Kind {
		case KindString:
			s, ok := v.(string)
			if !ok {
				fail(rule.Field, "must be a string")
				continue
			}
			if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
				fail(rule.Field, fmt.Sprintf("must match %s", rule.Pattern))
			}
		case KindNumber:
			if _, ok := v.(float64); !ok {
				fail(rule.Field, "must be a number")
			}
		case KindBoolean:
			if _, ok := v.(bool); !ok {
				fail(rule.Field, "must be a boolean")
			}
		case KindArray:
			if _, ok := v.([]any); !ok {
				fail(rule.Field, "must be an array")
			}
		case KindObject:
			if _, ok := v.(map[string]any); !ok {
				fail(rule.Field, "must be an object")
			}
		case KindBooleanString:
			switch b := v.(type) {
			case bool:
				// already sanitized
			case string:
				switch b {
				case "true":
					params[rule.Field] = true
				case "false":
					params[rule.Field] = false
				default:
					fail(rule.Field, `must be "true" or "false"`)
				}
			default:
				fail(rule.Field, "must be a boolean or boolean string")
			}
		case KindUUID:
			s, ok := v.(string)
			if !ok {
				fail(rule.Field, "must be a UUID string")
				continue
			}
			if _, err := uuid.Parse(s); err != nil {
				fail(rule.Field, "must be a valid UUID")
			}
		}
	}

	if strict {
		for key := range params {
			if _, ok := known[key]; !ok {
				fail(key, "unknown parameter")
			}
		}
	}
	return fails
}

// uuidList parses an array-of-strings parameter into UUIDs, reporting each
// bad entry as a field failure.
func uuidList(field string, v any) ([]uuid.UUID, []FieldError) {
	raw, ok := v.([]any)
	if !ok {
		return nil, []FieldError{{Field: field, Code: "Invalid", Message: "must be an array of UUIDs"}}
	}
	var fails []FieldError
	out := make([]uuid.UUID, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			fails = append(fails, FieldError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Code:    "Invalid",
				Message: "must be a UUID string",
			})
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			fails = append(fails, FieldError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Code:    "Invalid",
				Message: "must be a valid UUID",
			})
			continue
		}
		out = append(out, id)
	}
	return out, fails
}
