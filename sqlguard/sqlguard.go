// Package sqlguard screens model-generated SQL before it reaches a
// database tool. The gate is deliberately strict: a query it cannot
// positively classify as a bounded, read-only SELECT over allow-listed
// tables is rejected, since generated queries are untrusted input.
package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultRowLimit is injected into queries that carry no LIMIT.
	DefaultRowLimit = 100

	// DefaultMaxRowLimit caps the LIMIT a query may request.
	DefaultMaxRowLimit = 1000
)

var (
	selectPattern   = regexp.MustCompile(`(?i)^select\b`)
	commentPattern  = regexp.MustCompile(`--|/\*|#`)
	tablePattern    = regexp.MustCompile(`(?i)\b(?:from|join)\s+"?([a-zA-Z_][a-zA-Z0-9_$.]*)"?`)
	limitPattern    = regexp.MustCompile(`(?i)\blimit\s+(\d+)\b`)
	limitAllPattern = regexp.MustCompile(`(?i)\blimit\s+all\b`)

	// Write verbs and injection staples. UNION is included because a
	// generated analytics query has no business composing result sets,
	// and it is the standard vehicle for expanding a query's reach.
	forbiddenPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|copy|call|execute|do|vacuum|into|union)\b`)
)

// GateOptions configures a Gate.
type GateOptions struct {
	// AllowedTables is the exact set of tables a query may reference.
	// An empty set rejects every query.
	AllowedTables []string

	// DefaultLimit is appended to queries without a LIMIT clause.
	DefaultLimit int

	// MaxLimit caps requested LIMIT values; larger requests are clamped.
	MaxLimit int
}

// Gate validates queries against an allow-list and a row budget.
type Gate struct {
	allowedTables map[string]bool
	defaultLimit  int
	maxLimit      int
}

// NewGate creates a query safety gate.
func NewGate(opts GateOptions) *Gate {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultRowLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxRowLimit
	}
	allowed := make(map[string]bool, len(opts.AllowedTables))
	for _, table := range opts.AllowedTables {
		allowed[strings.ToLower(table)] = true
	}
	return &Gate{
		allowedTables: allowed,
		defaultLimit:  opts.DefaultLimit,
		maxLimit:      opts.MaxLimit,
	}
}

// Validate checks a query and returns the form that may be executed: the
// input unchanged when it already satisfies every rule, or the input with
// a row limit injected or clamped. Any violation returns an error and the
// query must not be executed.
func (g *Gate) Validate(query string) (string, error) {
	body := strings.TrimSpace(query)
	if body == "" {
		return "", errors.New("empty query")
	}
	body = strings.TrimRight(body, "; \t\n\r")
	if strings.Contains(body, ";") {
		return "", errors.New("multi-statement queries are not allowed")
	}
	if commentPattern.MatchString(body) {
		return "", errors.New("comments are not allowed")
	}
	if !selectPattern.MatchString(body) {
		return "", errors.New("only SELECT queries are allowed")
	}
	if match := forbiddenPattern.FindString(body); match != "" {
		return "", fmt.Errorf("forbidden keyword %q", strings.ToUpper(match))
	}

	tables := referencedTables(body)
	if len(tables) == 0 {
		return "", errors.New("query references no table")
	}
	for _, table := range tables {
		if !g.allowedTables[strings.ToLower(table)] {
			return "", fmt.Errorf("table %q is not allow-listed", table)
		}
	}

	if limitAllPattern.MatchString(body) {
		return "", errors.New("LIMIT ALL is not allowed")
	}
	if match := limitPattern.FindStringSubmatch(body); match != nil {
		limit, err := strconv.Atoi(match[1])
		if err != nil || limit <= 0 {
			return "", fmt.Errorf("invalid LIMIT %q", match[1])
		}
		if limit > g.maxLimit {
			return limitPattern.ReplaceAllString(body, fmt.Sprintf("LIMIT %d", g.maxLimit)), nil
		}
		return body, nil
	}
	return fmt.Sprintf("%s LIMIT %d", body, g.defaultLimit), nil
}

// referencedTables extracts every identifier in FROM and JOIN position.
// Derived tables open with a parenthesis and do not match; their inner
// FROM clauses are caught independently.
func referencedTables(query string) []string {
	matches := tablePattern.FindAllStringSubmatch(query, -1)
	tables := make([]string, 0, len(matches))
	for _, match := range matches {
		tables = append(tables, match[1])
	}
	return tables
}
