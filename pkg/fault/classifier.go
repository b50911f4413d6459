package fault

import (
	"regexp"
	"strings"
)

// Classification is the result of classifying a Record.
type Classification struct {
	Severity   Severity `json:"severity"`
	Category   Category `json:"category"`
	IsSecurity bool     `json:"is_security"`
	// Rule is the pattern that matched, empty when the default applied.
	Rule string `json:"rule,omitempty"`
}

// Rule maps a pattern to a severity tier and category.
type Rule struct {
	Pattern  *regexp.Regexp
	Severity Severity
	Category Category
}

// MemoryCriticalUsage is the usage fraction above which a memory fault is Critical.
const MemoryCriticalUsage = 0.90

// Classifier maps fault records to severity tiers using ordered rule lists.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	tiers [][]Rule
}

// ClassifierOption customizes a Classifier.
type ClassifierOption func(*Classifier)

// WithRule appends an operator-supplied rule to the tier matching its
// severity. Rules for the Info tier are ignored.
func WithRule(pattern string, severity Severity, category Category) ClassifierOption {
	re := regexp.MustCompile("(?i)" + pattern)
	return func(c *Classifier) {
		idx := tierIndex(severity)
		if idx < 0 {
			return
		}
		c.tiers[idx] = append(c.tiers[idx], Rule{Pattern: re, Severity: severity, Category: category})
	}
}

// NewClassifier builds a classifier with the built-in rule lists.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		tiers: [][]Rule{
			rules(SeveritySecurity, CategorySecurity,
				`\bcsp\b`, `content security policy`, `\bcors\b`, `\bxss\b`,
				`cross-site`, `csrf`, `\bauth`, `unauthori[sz]ed`, `forbidden`,
				`vulnerab`, `injection`, `malicious`),
			rules(SeverityCritical, CategoryCritical,
				`cannot read propert`, `is not defined`, `is not a function`,
				`maximum call stack`, `stack overflow`, `out of memory`,
				`\bfatal\b`, `\bcrash`, `\babort`, `nil pointer`, `null pointer`,
				`network error`, `script error`),
			rules(SeverityHigh, CategoryRuntime,
				`syntaxerror`, `referenceerror`, `typeerror`, `rangeerror`,
				`timeout`, `timed out`, `unhandled rejection`),
			rules(SeverityMedium, CategoryValidation,
				`warning`, `deprecated`, `validation`, `not found`, `invalid`),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func rules(severity Severity, category Category, patterns ...string) []Rule {
	out := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Rule{
			Pattern:  regexp.MustCompile("(?i)" + p),
			Severity: severity,
			Category: category,
		})
	}
	return out
}

func tierIndex(s Severity) int {
	switch s {
	case SeveritySecurity:
		return 0
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	default:
		return -1
	}
}

// Classify returns the severity tier and category of a fault. Security
// patterns take strict precedence over every other match.
func (c *Classifier) Classify(r Record) Classification {
	subject := r.Message
	if r.Source != "" {
		subject += " " + r.Source
	}

	result := Classification{Severity: SeverityInfo, Category: CategoryGeneral}
	for _, tier := range c.tiers {
		if rule, ok := firstMatch(tier, subject); ok {
			result = Classification{
				Severity: rule.Severity,
				Category: rule.Category,
				Rule:     rule.Pattern.String(),
			}
			break
		}
	}

	if result.Severity == SeveritySecurity || r.Kind == KindSecurity {
		result.Severity = SeveritySecurity
		result.Category = CategorySecurity
		result.IsSecurity = true
		return result
	}

	switch r.Kind {
	case KindMemory:
		usage, _ := r.Float("usage")
		result.Category = CategoryMemory
		if usage > MemoryCriticalUsage {
			result.Severity = SeverityCritical
		} else {
			result.Severity = SeverityHigh
		}
	case KindPromise:
		result.Severity = atLeast(result.Severity, SeverityHigh)
	case KindResource:
		result.Severity = atLeast(result.Severity, SeverityMedium)
	case KindNetwork:
		if result.Category == CategoryGeneral {
			result.Category = CategoryNetwork
		}
	}

	return result
}

func firstMatch(tier []Rule, subject string) (Rule, bool) {
	for _, rule := range tier {
		if rule.Pattern.MatchString(subject) {
			return rule, true
		}
	}
	return Rule{}, false
}

func atLeast(s, floor Severity) Severity {
	if s < floor {
		return floor
	}
	return s
}

// Summary renders a classification as "severity/category".
func (c Classification) Summary() string {
	return strings.Join([]string{c.Severity.String(), string(c.Category)}, "/")
}
