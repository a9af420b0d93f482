// Package condition evaluates branch conditions attached to scenario
// transitions against the data a session has collected.
//
// Conditions are intentionally limited to keep evaluation decidable:
//   - Comparisons: amount > 100, tier == 'gold', country != "US"
//   - Presence checks: email exists, phone missing
//   - Truthy checks: {{vip}}, !{{vip}}
//   - Conjunction and disjunction: amount > 100 and tier == 'gold'
//
// Anything else (free-form natural language) fails to parse. Callers treat
// an unparseable condition as not satisfiable.
package condition

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Result represents the result of evaluating a condition.
type Result struct {
	// Satisfied is true if the condition is met.
	Satisfied bool

	// Reason explains why the condition is satisfied or not.
	Reason string
}

// Operator represents a comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpExists       Operator = "exists"
	OpMissing      Operator = "missing"
	OpTruthy       Operator = "truthy"
	OpFalsy        Operator = "falsy"
)

// Condition represents a parsed condition expression.
type Condition struct {
	// Raw is the original condition string.
	Raw string

	// Leaf comparison. Empty Field means this node is a conjunction or disjunction.
	Field    string
	Operator Operator
	Value    string

	// Composite nodes.
	All []*Condition // and
	Any []*Condition // or
}

// Patterns for parsing conditions.
var (
	// amount > 100, customer.tier == 'gold'
	comparePattern = regexp.MustCompile(`^(\w+(?:\.\w+)*)\s*(==|!=|>=|<=|>|<|=)\s*(.+)$`)

	// email exists, phone missing
	presencePattern = regexp.MustCompile(`^(\w+(?:\.\w+)*)\s+(exists|missing|is set|is not set)$`)

	// {{vip}}
	truthyPattern = regexp.MustCompile(`^\{\{(\w+(?:\.\w+)*)\}\}$`)

	// !{{vip}}
	falsyPattern = regexp.MustCompile(`^!\{\{(\w+(?:\.\w+)*)\}\}$`)

	// Bare literal values: gold, a@b.c, +1-555
	barePattern = regexp.MustCompile(`^[\w.@+-]+$`)

	orSplit  = regexp.MustCompile(`(?i)\s+or\s+|\s*\|\|\s*`)
	andSplit = regexp.MustCompile(`(?i)\s+and\s+|\s*&&\s*`)
)

// Parse parses a condition string into a Condition.
func Parse(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty condition")
	}

	if parts := orSplit.Split(expr, -1); len(parts) > 1 {
		c := &Condition{Raw: expr}
		for _, p := range parts {
			sub, err := Parse(p)
			if err != nil {
				return nil, err
			}
			c.Any = append(c.Any, sub)
		}
		return c, nil
	}
	if parts := andSplit.Split(expr, -1); len(parts) > 1 {
		c := &Condition{Raw: expr}
		for _, p := range parts {
			sub, err := Parse(p)
			if err != nil {
				return nil, err
			}
			c.All = append(c.All, sub)
		}
		return c, nil
	}

	if m := truthyPattern.FindStringSubmatch(expr); m != nil {
		return &Condition{Raw: expr, Field: m[1], Operator: OpTruthy}, nil
	}
	if m := falsyPattern.FindStringSubmatch(expr); m != nil {
		return &Condition{Raw: expr, Field: m[1], Operator: OpFalsy}, nil
	}
	if m := presencePattern.FindStringSubmatch(expr); m != nil {
		op := OpExists
		if m[2] == "missing" || m[2] == "is not set" {
			op = OpMissing
		}
		return &Condition{Raw: expr, Field: m[1], Operator: op}, nil
	}
	if m := comparePattern.FindStringSubmatch(expr); m != nil {
		op := Operator(m[2])
		if op == "=" {
			op = OpEqual
		}
		value := strings.TrimSpace(m[3])
		if !isLiteral(value) {
			return nil, fmt.Errorf("unrecognized condition format: %s", expr)
		}
		return &Condition{Raw: expr, Field: m[1], Operator: op, Value: unquote(value)}, nil
	}

	return nil, fmt.Errorf("unrecognized condition format: %s", expr)
}

// Fields returns the data fields the expression reads, in first-seen order.
// Returns nil when the expression does not parse.
func Fields(expr string) []string {
	c, err := Parse(expr)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	var walk func(*Condition)
	walk = func(c *Condition) {
		if c.Field != "" && !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
		for _, sub := range c.All {
			walk(sub)
		}
		for _, sub := range c.Any {
			walk(sub)
		}
	}
	walk(c)
	return out
}

// Evaluate evaluates the condition against the given data.
func (c *Condition) Evaluate(data map[string]string) *Result {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if r := sub.Evaluate(data); !r.Satisfied {
				return &Result{Satisfied: false, Reason: r.Reason}
			}
		}
		return &Result{Satisfied: true, Reason: fmt.Sprintf("all of %d clauses hold", len(c.All))}
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if r := sub.Evaluate(data); r.Satisfied {
				return r
			}
		}
		return &Result{Satisfied: false, Reason: fmt.Sprintf("none of %d clauses hold", len(c.Any))}
	}

	actual, ok := data[c.Field]
	switch c.Operator {
	case OpExists:
		return &Result{Satisfied: ok && actual != "", Reason: fmt.Sprintf("%s present: %v", c.Field, ok && actual != "")}
	case OpMissing:
		return &Result{Satisfied: !ok || actual == "", Reason: fmt.Sprintf("%s present: %v", c.Field, ok && actual != "")}
	case OpTruthy:
		return &Result{Satisfied: isTruthy(actual), Reason: fmt.Sprintf("%s = %q", c.Field, actual)}
	case OpFalsy:
		return &Result{Satisfied: !isTruthy(actual), Reason: fmt.Sprintf("%s = %q", c.Field, actual)}
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		if !ok {
			return &Result{Satisfied: false, Reason: fmt.Sprintf("%s is unknown", c.Field)}
		}
		satisfied, reason := compare(actual, c.Operator, c.Value)
		return &Result{Satisfied: satisfied, Reason: reason}
	}
	return &Result{Satisfied: false, Reason: fmt.Sprintf("unknown operator: %s", c.Operator)}
}

// Evaluator evaluates raw condition strings. It satisfies the branch
// evaluator interface used by the migration executor.
type Evaluator struct{}

// NewEvaluator returns the default evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate parses and evaluates expr against data.
func (e *Evaluator) Evaluate(_ context.Context, expr string, data map[string]string) (bool, error) {
	c, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return c.Evaluate(data).Satisfied, nil
}

// Helper functions

func isLiteral(s string) bool {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return barePattern.MatchString(s)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func isTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v != "" && v != "false" && v != "0" && v != "no"
}

func compare(actual string, op Operator, expected string) (bool, string) {
	actualNum, err1 := strconv.ParseFloat(actual, 64)
	expectedNum, err2 := strconv.ParseFloat(expected, 64)
	if err1 == nil && err2 == nil {
		return compareFloat(actualNum, op, expectedNum)
	}
	switch op {
	case OpEqual:
		satisfied := strings.EqualFold(actual, expected)
		return satisfied, fmt.Sprintf("%q %s %q: %v", actual, op, expected, satisfied)
	case OpNotEqual:
		satisfied := !strings.EqualFold(actual, expected)
		return satisfied, fmt.Sprintf("%q %s %q: %v", actual, op, expected, satisfied)
	}
	return compareString(actual, op, expected)
}

func compareFloat(actual float64, op Operator, expected float64) (bool, string) {
	var satisfied bool
	switch op {
	case OpEqual:
		satisfied = actual == expected
	case OpNotEqual:
		satisfied = actual != expected
	case OpGreater:
		satisfied = actual > expected
	case OpGreaterEqual:
		satisfied = actual >= expected
	case OpLess:
		satisfied = actual < expected
	case OpLessEqual:
		satisfied = actual <= expected
	}
	return satisfied, fmt.Sprintf("%v %s %v: %v", actual, op, expected, satisfied)
}

func compareString(actual string, op Operator, expected string) (bool, string) {
	var satisfied bool
	switch op {
	case OpGreater:
		satisfied = actual > expected
	case OpGreaterEqual:
		satisfied = actual >= expected
	case OpLess:
		satisfied = actual < expected
	case OpLessEqual:
		satisfied = actual <= expected
	}
	return satisfied, fmt.Sprintf("%q %s %q: %v", actual, op, expected, satisfied)
}
