package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/autopr/autopr/internal/errkind"
)

// refRe matches ${{ <expr> }} placeholders in step input values and
// workflow outputs.
var refRe = regexp.MustCompile(`\$\{\{\s*([^}]+?)\s*\}\}`)

// StepRefs extracts the step ids referenced by a string value's
// placeholders (steps.<id>.outputs... paths).
func StepRefs(v string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range refRe.FindAllStringSubmatch(v, -1) {
		expr, err := ParseExpr(m[1])
		if err != nil {
			continue
		}
		for _, path := range expr.Paths() {
			if len(path) >= 2 && path[0] == "steps" && !seen[path[1]] {
				seen[path[1]] = true
				out = append(out, path[1])
			}
		}
	}
	return out
}

// valueStepRefs walks arbitrarily nested input values.
func valueStepRefs(v any) []string {
	switch t := v.(type) {
	case string:
		return StepRefs(t)
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, valueStepRefs(item)...)
		}
		return out
	case map[string]any:
		var out []string
		for _, item := range t {
			out = append(out, valueStepRefs(item)...)
		}
		return out
	default:
		return nil
	}
}

// ResolveValue materializes a step input value: strings that are exactly one
// placeholder keep the referenced value's type, strings with embedded
// placeholders interpolate, and containers resolve recursively.
func ResolveValue(v any, resolve Resolver) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, resolve)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := ResolveValue(item, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := ResolveValue(item, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, resolve Resolver) (any, error) {
	matches := refRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// A lone placeholder keeps the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		exprSrc := s[matches[0][2]:matches[0][3]]
		expr, err := ParseExpr(exprSrc)
		if err != nil {
			return nil, err
		}
		return expr.Eval(resolve)
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr, err := ParseExpr(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		v, err := expr.Eval(resolve)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// Integral floats interpolate without the trailing .0 so ids and
		// counts read naturally.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// ValidateRefs checks that every placeholder in a raw value parses; used at
// load time so bad syntax fails before a run starts.
func ValidateRefs(v any) error {
	switch t := v.(type) {
	case string:
		for _, m := range refRe.FindAllStringSubmatch(t, -1) {
			if _, err := ParseExpr(m[1]); err != nil {
				return errkind.Wrap(errkind.InvalidWorkflow, err, "bad reference %q", m[0])
			}
		}
		return nil
	case []any:
		for _, item := range t {
			if err := ValidateRefs(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, item := range t {
			if err := ValidateRefs(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
