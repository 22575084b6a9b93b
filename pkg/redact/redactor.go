// Package redact masks direct patient identifiers in free text before it
// leaves the process through logs or audit events.
package redact

import (
	"regexp"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Redactor struct {
	rules []compiledRule
}

func New(cfg Rules) (*Redactor, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Redactor{rules: compiled}, nil
}

var defaultRedactor atomic.Pointer[Redactor]

func init() {
	r, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	defaultRedactor.Store(r)
}

// Default returns the process-wide redactor.
func Default() *Redactor {
	return defaultRedactor.Load()
}

// SetDefault replaces the process-wide redactor. nil is ignored.
func SetDefault(r *Redactor) {
	if r != nil {
		defaultRedactor.Store(r)
	}
}

func (r *Redactor) String(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.rule.Mask)
	}
	return s
}

// Hook masks the message and string fields of every log entry.
type Hook struct {
	redactor func() *Redactor
}

func NewHook() *Hook {
	return &Hook{redactor: Default}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	r := h.redactor()
	entry.Message = r.String(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = r.String(val)
		case error:
			entry.Data[k] = r.String(val.Error())
		}
	}
	return nil
}
