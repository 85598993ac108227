package models

import (
	"fmt"
	"regexp"
)

// Rule is a user-authored stream rule. Rules whose TTSRTrigger flag is set
// participate in streaming pattern matching; a match aborts the in-progress
// turn and reinjects the rule content as a system interrupt.
type Rule struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
	Content string `json:"content"`

	TTSRTrigger bool `json:"ttsr_trigger,omitempty"`

	compiled *regexp.Regexp
}

// Identity returns the rule's stable identity used for repeat suppression.
func (r *Rule) Identity() string {
	return r.Name + "\x00" + r.Path
}

// Compile validates and caches the rule's pattern. Patterns that match the
// empty string are rejected: a zero-width match would fire on every delta
// and never let the stream make progress.
func (r *Rule) Compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: invalid pattern: %w", r.Name, err)
	}
	if re.MatchString("") {
		return fmt.Errorf("rule %s: pattern matches the empty string", r.Name)
	}
	r.compiled = re
	return nil
}

// Regexp returns the compiled pattern, compiling it on first use.
func (r *Rule) Regexp() (*regexp.Regexp, error) {
	if r.compiled == nil {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	return r.compiled, nil
}
