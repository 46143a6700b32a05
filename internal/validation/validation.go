// Package validation checks operator-authored input before it reaches the
// foreman. Anything rejected here never becomes part of an installed rule.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

const maxIdentityLength = 254

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// ValidateAttributeName validates the name of a snapshot attribute.
// Names start with a letter and contain only letters, digits, '_', '.' or '-'.
func ValidateAttributeName(name string) error {
	if name == "" {
		return fmt.Errorf("attribute name is required")
	}
	if !isAlpha(name[0]) {
		return fmt.Errorf("attribute name must start with a letter")
	}
	for _, b := range []byte(name) {
		if !isAlpha(b) && !isNum(b) && b != '_' && b != '.' && b != '-' {
			return fmt.Errorf("attribute names can only contain letters, numbers, '_', '.' or '-'")
		}
	}
	return nil
}

// ValidatePattern checks that a regex predicate pattern compiles.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regular expression: %v", err)
	}
	return nil
}

// ValidateOperator checks an integer comparison operator.
func ValidateOperator(op domain.IntegerOperator) error {
	switch op {
	case domain.OperatorEqual, domain.OperatorLessThan, domain.OperatorGreaterThan:
		return nil
	default:
		return fmt.Errorf("operator must be one of EQUAL, LESS_THAN, GREATER_THAN")
	}
}

// ValidatePredicates validates a list of authored predicates. Field names in
// the returned errors are indexed, e.g. "predicates[1].operator".
func ValidatePredicates(preds []domain.Predicate) ValidationErrors {
	var errs ValidationErrors
	for i, p := range preds {
		field := fmt.Sprintf("predicates[%d]", i)
		switch p.Type {
		case domain.PredicateRegex:
			if err := ValidateAttributeName(p.AttributeName); err != nil {
				errs.Add(field+".attribute_name", p.AttributeName, err.Error())
			}
			if err := ValidatePattern(p.Pattern); err != nil {
				errs.Add(field+".attribute_regex", p.Pattern, err.Error())
			}
		case domain.PredicateInteger:
			if err := ValidateAttributeName(p.AttributeName); err != nil {
				errs.Add(field+".attribute_name", p.AttributeName, err.Error())
			}
			if err := ValidateOperator(p.Operator); err != nil {
				errs.Add(field+".operator", string(p.Operator), err.Error())
			}
		case domain.PredicateOSClass:
			if _, ok := p.OSClass.Systems(); !ok {
				errs.Add(field+".os_class", string(p.OSClass), "os_class must be one of WINDOWS, LINUX, DARWIN")
			}
		default:
			errs.Add(field+".type", string(p.Type), "type must be one of regex, integer, os_class")
		}
	}
	return errs
}

// ValidateIdentity validates an operator identity (API key name or e-mail).
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if len(identity) > maxIdentityLength {
		return fmt.Errorf("identity must be at most %d characters", maxIdentityLength)
	}
	for _, r := range identity {
		if unicode.IsSpace(r) || r == ',' {
			return fmt.Errorf("identity must not contain whitespace or commas")
		}
	}
	return nil
}

// ValidateIdentities validates every identity in a list.
func ValidateIdentities(field string, identities []string) ValidationErrors {
	var errs ValidationErrors
	for i, id := range identities {
		if err := ValidateIdentity(id); err != nil {
			errs.Add(field+"["+strconv.Itoa(i)+"]", id, err.Error())
		}
	}
	return errs
}

// ValidateEmails checks that every entry is a bare e-mail address.
func ValidateEmails(field string, addrs []string) ValidationErrors {
	var errs ValidationErrors
	for i, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil || parsed.Address != a {
			errs.Add(field+"["+strconv.Itoa(i)+"]", a, "must be a valid e-mail address")
		}
	}
	return errs
}
