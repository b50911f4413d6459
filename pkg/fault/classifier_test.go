package fault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(kind Kind, msg string) Record {
	return NewRecord(kind, msg, time.Unix(1700000000, 0))
}

func TestClassify_Tiers(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		rec      Record
		severity Severity
		category Category
	}{
		{"not a function", record(KindScript, "TypeError: foo.bar is not a function"), SeverityCritical, CategoryCritical},
		{"undefined property", record(KindScript, "Cannot read properties of undefined"), SeverityCritical, CategoryCritical},
		{"stack overflow", record(KindScript, "Maximum call stack size exceeded"), SeverityCritical, CategoryCritical},
		{"syntax error", record(KindScript, "SyntaxError: unexpected token"), SeverityHigh, CategoryRuntime},
		{"timeout", record(KindNetwork, "request timed out"), SeverityHigh, CategoryRuntime},
		{"deprecated", record(KindScript, "API is deprecated"), SeverityMedium, CategoryValidation},
		{"default", record(KindScript, "something happened"), SeverityInfo, CategoryGeneral},
		{"network default", record(KindNetwork, "connection reset"), SeverityInfo, CategoryNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.rec)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.category, got.Category)
			assert.False(t, got.IsSecurity)
		})
	}
}

func TestClassify_SecurityPrecedence(t *testing.T) {
	c := NewClassifier()

	messages := []string{
		"csrf token mismatch",
		"XSS detected: x is not a function",
		"Refused to load script: Content Security Policy directive",
		"fatal crash while handling unauthorized request",
		"CORS preflight rejected, out of memory",
	}
	for _, msg := range messages {
		got := c.Classify(record(KindScript, msg))
		assert.Equal(t, SeveritySecurity, got.Severity, msg)
		assert.True(t, got.IsSecurity, msg)
		assert.Equal(t, CategorySecurity, got.Category, msg)
	}
}

func TestClassify_SourceLocationIsMatched(t *testing.T) {
	c := NewClassifier()
	rec := record(KindScript, "blocked")
	rec.Source = "csp-report"
	assert.True(t, c.Classify(rec).IsSecurity)
}

func TestClassify_KindSpecialCases(t *testing.T) {
	c := NewClassifier()

	mem := record(KindMemory, "heap usage high")
	mem.Attributes = map[string]any{"usage": 0.95}
	assert.Equal(t, SeverityCritical, c.Classify(mem).Severity)

	mem.Attributes["usage"] = 0.82
	got := c.Classify(mem)
	assert.Equal(t, SeverityHigh, got.Severity)
	assert.Equal(t, CategoryMemory, got.Category)

	promise := record(KindPromise, "rejected with value 42")
	assert.Equal(t, SeverityHigh, c.Classify(promise).Severity)

	promiseCritical := record(KindPromise, "x is not a function")
	assert.Equal(t, SeverityCritical, c.Classify(promiseCritical).Severity)

	res := record(KindResource, "image failed to load")
	assert.Equal(t, SeverityMedium, c.Classify(res).Severity)

	sec := record(KindSecurity, "anything")
	assert.True(t, c.Classify(sec).IsSecurity)
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier()
	rec := record(KindScript, "ReferenceError: y is not defined")
	first := c.Classify(rec)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, c.Classify(rec))
	}
}

func TestWithRule(t *testing.T) {
	c := NewClassifier(WithRule(`plantuml render failed`, SeverityHigh, CategoryRuntime))
	got := c.Classify(record(KindScript, "PlantUML render failed at line 4"))
	assert.Equal(t, SeverityHigh, got.Severity)

	ignored := NewClassifier(WithRule(`noise`, SeverityInfo, CategoryGeneral))
	assert.Equal(t, SeverityInfo, ignored.Classify(record(KindScript, "noise")).Severity)
}

func TestSeverityText(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityMedium, SeverityHigh, SeverityCritical, SeveritySecurity} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Severity
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}

	medium, err := ParseSeverity("Medium")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, medium)

	_, err = ParseSeverity("loud")
	assert.Error(t, err)
}

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewID(now)
	assert.Regexp(t, `^err_1700000000123_[a-z0-9]{9}$`, id)
}
