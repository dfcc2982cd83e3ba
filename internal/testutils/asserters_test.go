//go:build test

package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	testing.TB
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		fail     bool
	}{
		{name: "identical", actual: `{"a":1}`, expected: `{"a":1}`},
		{name: "extra keys ignored", actual: `{"a":1,"b":2}`, expected: `{"a":1}`},
		{name: "extra keys reported", actual: `{"a":1,"b":2}`, expected: `{"a":1}`, opts: []Option{WithIgnoreExtraKeys(false)}, fail: true},
		{name: "presence placeholder", actual: `{"seen_at":"2024-01-01"}`, expected: `{"seen_at":"<<PRESENCE>>"}`},
		{name: "placeholder needs the key", actual: `{}`, expected: `{"seen_at":"<<PRESENCE>>"}`, fail: true},
		{name: "ignored field", actual: `[{"v":1,"t":5}]`, expected: `[{"v":1,"t":9}]`, opts: []Option{WithIgnoredFields("t")}},
		{name: "value mismatch", actual: `{"a":[1,2]}`, expected: `{"a":[1,3]}`, fail: true},
		{name: "invalid actual", actual: `{`, expected: `{}`, fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{TB: t}
			NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.fail, len(rec.failures) > 0, "failures: %v", rec.failures)
		})
	}
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TextOption
		fail     bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb"},
		{name: "surrounding whitespace trimmed", actual: "\n a\nb  \n", expected: " a\nb"},
		{name: "empty lines kept by default", actual: "a\n\nb", expected: "a\nb", fail: true},
		{name: "empty lines ignored", actual: "a\n\nb", expected: "a\nb", opts: []TextOption{WithIgnoreEmptyLines(true)}},
		{name: "colored diff", actual: "a", expected: "b", opts: []TextOption{WithEnableColors(true)}, fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{TB: t}
			NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.fail, len(rec.failures) > 0, "failures: %v", rec.failures)
		})
	}
}
