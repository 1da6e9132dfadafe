package silver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
)

// Standardization rule errors.
var (
	ErrUnknownFunction = errors.New("unknown standardization function")
	ErrBadRuleParams   = errors.New("bad standardization rule params")
)

var whitespaceRuns = regexp.MustCompile(`\s+`)

// applyRule mutates one column of f in place according to the rule's
// function. Null cells pass through untouched.
func applyRule(f *frame.Frame, rule *catalog.StandardizationRule) error {
	var transform func(string) (string, error)

	switch rule.FunctionName {
	case "padding":
		params, err := ruleParams(rule)
		if err != nil {
			return err
		}

		transform, err = paddingTransform(params)
		if err != nil {
			return err
		}
	case "trim":
		transform = func(s string) (string, error) {
			return strings.TrimSpace(s), nil
		}
	case "blank_conversion":
		transform = func(s string) (string, error) {
			return whitespaceRuns.ReplaceAllString(strings.TrimSpace(s), " "), nil
		}
	case "replace":
		params, err := ruleParams(rule)
		if err != nil {
			return err
		}

		value, err := paramString(params, "value")
		if err != nil {
			return err
		}

		pattern, err := regexp.Compile(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadRuleParams, err)
		}

		// The configured value serves as both the match pattern and the
		// replacement, normalizing every match to its canonical spelling.
		transform = func(s string) (string, error) {
			return pattern.ReplaceAllString(s, value), nil
		}
	case "type_conversion":
		params, err := ruleParams(rule)
		if err != nil {
			return err
		}

		kind, err := paramString(params, "type")
		if err != nil {
			return err
		}

		switch kind {
		case "lower":
			transform = func(s string) (string, error) { return strings.ToLower(s), nil }
		case "upper":
			transform = func(s string) (string, error) { return strings.ToUpper(s), nil }
		default:
			return fmt.Errorf("%w: type_conversion %q", ErrBadRuleParams, kind)
		}
	case "sub_string":
		params, err := ruleParams(rule)
		if err != nil {
			return err
		}

		start, err := paramInt(params, "start_index")
		if err != nil {
			return err
		}

		length, err := paramInt(params, "length")
		if err != nil {
			return err
		}

		transform = func(s string) (string, error) {
			return substring(s, start, length), nil
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFunction, rule.FunctionName)
	}

	return transformColumn(f, rule.ColumnName, transform)
}

func transformColumn(f *frame.Frame, column string, transform func(string) (string, error)) error {
	for row := 0; row < f.NumRows(); row++ {
		cell, err := f.At(row, column)
		if err != nil {
			return err
		}

		if !cell.Valid {
			continue
		}

		out, err := transform(cell.Str)
		if err != nil {
			return err
		}

		if err := f.Set(row, column, frame.String(out)); err != nil {
			return err
		}
	}

	return nil
}

func paddingTransform(params map[string]any) (func(string) (string, error), error) {
	kind, err := paramString(params, "type")
	if err != nil {
		return nil, err
	}

	length, err := paramInt(params, "length")
	if err != nil {
		return nil, err
	}

	fill, err := paramString(params, "padding_value")
	if err != nil {
		return nil, err
	}

	if fill == "" {
		fill = " "
	}

	switch kind {
	case "left":
		return func(s string) (string, error) { return padLeft(s, length, fill), nil }, nil
	case "right":
		return func(s string) (string, error) { return padRight(s, length, fill), nil }, nil
	default:
		return nil, fmt.Errorf("%w: padding type %q", ErrBadRuleParams, kind)
	}
}

func padLeft(s string, length int, fill string) string {
	for len([]rune(s)) < length {
		s = fill + s
	}

	return s
}

func padRight(s string, length int, fill string) string {
	for len([]rune(s)) < length {
		s += fill
	}

	return s
}

func substring(s string, start, length int) string {
	runes := []rune(s)
	if start < 0 || start >= len(runes) {
		return ""
	}

	end := start + length
	if end > len(runes) {
		end = len(runes)
	}

	return string(runes[start:end])
}

func ruleParams(rule *catalog.StandardizationRule) (map[string]any, error) {
	var params map[string]any

	if err := json.Unmarshal([]byte(rule.FunctionParams), &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRuleParams, err)
	}

	return params, nil
}

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrBadRuleParams, key)
	}

	switch value := v.(type) {
	case string:
		return value, nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %q is not a string", ErrBadRuleParams, key)
	}
}

// paramInt accepts both JSON numbers and numeric strings, since rule
// configs historically carried either form.
func paramInt(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadRuleParams, key)
	}

	switch value := v.(type) {
	case float64:
		return int(value), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrBadRuleParams, key)
		}

		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadRuleParams, key)
	}
}
