package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpression = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions. The expressions
// are compiled once at construction and evaluated against globals on each
// Eval call.
type Template struct {
	raw   string
	parts []string
	codes []Script
}

// NewTemplate compiles all ${...} expressions in the raw string.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	// Validate that all ${...} expressions are properly closed
	openCount := strings.Count(raw, "${")
	closeCount := strings.Count(raw, "}")
	if openCount > closeCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	t := &Template{raw: raw}
	if openCount == 0 {
		return t, nil
	}

	matches := templateExpression.FindAllStringSubmatchIndex(raw, -1)
	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}

		expr := raw[match[2]:match[3]]
		script, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}

		t.codes = append(t.codes, script)
		t.parts = append(t.parts, "") // placeholder for the evaluated result
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// Eval evaluates every embedded expression and returns the rendered string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}

	parts := make([]string, len(t.parts))
	copy(parts, t.parts)

	next := 0
	for _, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		// Fill the next placeholder in order.
		for next < len(parts) && parts[next] != "" {
			next++
		}
		if next < len(parts) {
			parts[next] = result.String()
			next++
		}
	}
	return strings.Join(parts, ""), nil
}
