package domain

// PredicateType selects the variant of a targeting predicate.
type PredicateType string

const (
	PredicateRegex   PredicateType = "regex"
	PredicateInteger PredicateType = "integer"
	PredicateOSClass PredicateType = "os_class"
)

// IntegerOperator is the comparison used by an integer rule.
type IntegerOperator string

const (
	OperatorEqual       IntegerOperator = "EQUAL"
	OperatorLessThan    IntegerOperator = "LESS_THAN"
	OperatorGreaterThan IntegerOperator = "GREATER_THAN"
)

// OSClass is a convenience selection that expands into regex rules on the
// System attribute when a rule is built.
type OSClass string

const (
	OSWindows OSClass = "WINDOWS"
	OSLinux   OSClass = "LINUX"
	OSDarwin  OSClass = "DARWIN"
)

// osClassSystems lists the System values each class targets.
var osClassSystems = map[OSClass][]string{
	OSWindows: {"Windows"},
	OSLinux:   {"Linux"},
	OSDarwin:  {"Darwin"},
}

// Systems returns the System attribute values the class stands for.
func (c OSClass) Systems() ([]string, bool) {
	systems, ok := osClassSystems[c]
	return systems, ok
}

// Predicate is a targeting condition as authored by an operator. Only the
// fields relevant to Type are meaningful.
type Predicate struct {
	Type          PredicateType   `json:"type"`
	AttributeName string          `json:"attribute_name,omitempty"`
	Pattern       string          `json:"attribute_regex,omitempty"`
	Operator      IntegerOperator `json:"operator,omitempty"`
	Value         int64           `json:"value,omitempty"`
	OSClass       OSClass         `json:"os_class,omitempty"`
}

// RegexPredicate builds a regular-expression predicate.
func RegexPredicate(attribute, pattern string) Predicate {
	return Predicate{Type: PredicateRegex, AttributeName: attribute, Pattern: pattern}
}

// IntegerPredicate builds an integer comparison predicate.
func IntegerPredicate(attribute string, op IntegerOperator, value int64) Predicate {
	return Predicate{Type: PredicateInteger, AttributeName: attribute, Operator: op, Value: value}
}

// OSClassPredicate builds an OS class predicate.
func OSClassPredicate(class OSClass) Predicate {
	return Predicate{Type: PredicateOSClass, OSClass: class}
}

// RegexRule matches when the named attribute's string form matches Pattern.
type RegexRule struct {
	AttributeName string `json:"attribute_name" db:"attribute_name"`
	Pattern       string `json:"attribute_regex" db:"pattern"`
}

// IntegerRule matches when the named attribute's integer value compares true
// against Value.
type IntegerRule struct {
	AttributeName string          `json:"attribute_name" db:"attribute_name"`
	Operator      IntegerOperator `json:"operator" db:"operator"`
	Value         int64           `json:"value" db:"value"`
}

// ExpandPredicates turns authored predicates into the regex and integer rule
// sequences stored on a Rule, preserving authoring order within each
// sequence. OS class predicates become one regex rule per system name.
// Predicates are expected to be validated already; unknown variants are
// skipped.
func ExpandPredicates(preds []Predicate) ([]RegexRule, []IntegerRule) {
	var regex []RegexRule
	var ints []IntegerRule
	for _, p := range preds {
		switch p.Type {
		case PredicateRegex:
			regex = append(regex, RegexRule{AttributeName: p.AttributeName, Pattern: p.Pattern})
		case PredicateInteger:
			ints = append(ints, IntegerRule{AttributeName: p.AttributeName, Operator: p.Operator, Value: p.Value})
		case PredicateOSClass:
			systems, _ := p.OSClass.Systems()
			for _, sys := range systems {
				regex = append(regex, RegexRule{AttributeName: AttrSystem, Pattern: sys})
			}
		}
	}
	return regex, ints
}
