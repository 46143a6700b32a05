package foreman

import (
	"fmt"
	"regexp"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

// MatchRegex reports whether the snapshot's attribute matches re.
// A missing attribute never matches.
func MatchRegex(re *regexp.Regexp, attribute string, snap domain.AttributeSnapshot) bool {
	v, ok := snap.Get(attribute)
	if !ok {
		return false
	}
	return re.MatchString(v.String())
}

// MatchInteger reports whether the snapshot's attribute compares true
// against rule. Missing or non-integer attributes never match.
func MatchInteger(rule domain.IntegerRule, snap domain.AttributeSnapshot) bool {
	v, ok := snap.Get(rule.AttributeName)
	if !ok {
		return false
	}
	n, ok := v.Int()
	if !ok {
		return false
	}
	switch rule.Operator {
	case domain.OperatorEqual:
		return n == rule.Value
	case domain.OperatorLessThan:
		return n < rule.Value
	case domain.OperatorGreaterThan:
		return n > rule.Value
	default:
		return false
	}
}

// compiledRule is an installed rule with its patterns compiled once.
type compiledRule struct {
	rule  *domain.Rule
	regex []*regexp.Regexp
}

func compileRule(rule *domain.Rule) (*compiledRule, error) {
	c := &compiledRule{rule: rule, regex: make([]*regexp.Regexp, len(rule.RegexRules))}
	for i, rr := range rule.RegexRules {
		re, err := regexp.Compile(rr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: regex_rules[%d]: %v", domain.ErrInvalidInput, i, err)
		}
		c.regex[i] = re
	}
	return c, nil
}

// matches evaluates the full conjunction. Empty sequences are vacuously true.
func (c *compiledRule) matches(snap domain.AttributeSnapshot) bool {
	for i, rr := range c.rule.RegexRules {
		if !MatchRegex(c.regex[i], rr.AttributeName, snap) {
			return false
		}
	}
	for _, ir := range c.rule.IntegerRules {
		if !MatchInteger(ir, snap) {
			return false
		}
	}
	return true
}

// Matches compiles rule and evaluates it against snap without touching any
// rule set. It is used for previews.
func Matches(rule *domain.Rule, snap domain.AttributeSnapshot) (bool, error) {
	c, err := compileRule(rule)
	if err != nil {
		return false, err
	}
	return c.matches(snap), nil
}
