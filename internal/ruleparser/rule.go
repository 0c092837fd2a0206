// Package ruleparser turns line-oriented IDS rule feeds into structured rules.
package ruleparser

import (
	"regexp"
	"strings"
)

// Option is one `name:value;` pair of a rule body, in order of appearance.
type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Rule is a single parsed signature.
type Rule struct {
	// Raw is the rule text without any comment marker.
	Raw     string
	Enabled bool
	Line    int

	Action string
	Proto  string
	Header string

	Options []Option

	SID       int64
	GID       int64
	Rev       int64
	Msg       string
	Classtype string
	Flowbits  []string
}

// Option returns the first value of the named option.
func (r *Rule) Option(name string) (string, bool) {
	for _, opt := range r.Options {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

var actionKeywords = map[string]bool{
	"alert":      true,
	"drop":       true,
	"pass":       true,
	"reject":     true,
	"rejectsrc":  true,
	"rejectdst":  true,
	"rejectboth": true,
}

// IsActionKeyword reports whether word starts a rule line.
func IsActionKeyword(word string) bool {
	return actionKeywords[word]
}

// ActionOf returns the leading action keyword of a rule text.
func ActionOf(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SetAction rewrites the leading action keyword. The "allow" transform maps to
// the engine's "pass" keyword; an empty action leaves content untouched.
func SetAction(content, action string) string {
	if action == "" {
		return content
	}
	if action == "allow" {
		action = "pass"
	}
	trimmed := strings.TrimLeft(content, " \t")
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return content
	}
	return action + trimmed[idx:]
}

// Reference is a `reference:type,value;` pair resolved to a link when the type is known.
type Reference struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	URL   string `json:"url,omitempty"`
}

var referenceRe = regexp.MustCompile(`reference:\s*(\w+),\s*([^;\s]+);`)

// References extracts reference options for display. They have no effect on compilation.
func References(content string) []Reference {
	var refs []Reference
	for _, m := range referenceRe.FindAllStringSubmatch(content, -1) {
		ref := Reference{Key: m[1], Value: m[2]}
		switch strings.ToLower(ref.Key) {
		case "url":
			if strings.HasPrefix(ref.Value, "http") {
				ref.URL = ref.Value
			} else {
				ref.URL = "http://" + ref.Value
			}
		case "cve":
			ref.Key = "CVE"
			ref.URL = "https://nvd.nist.gov/vuln/detail/CVE-" + strings.TrimPrefix(strings.ToUpper(ref.Value), "CVE-")
		case "bugtraq":
			ref.URL = "http://www.securityfocus.com/bid/" + ref.Value
		}
		refs = append(refs, ref)
	}
	return refs
}
