package compiler

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/threshold"
	"github.com/Wikid82/sigforge/internal/version"
)

// ExportFilename is the name the compiled document is downloaded as.
const ExportFilename = "sigforge.rules"

// Document is a compiled ruleset split the way an engine loads it.
type Document struct {
	Rules      []byte
	Thresholds []byte
}

// Bytes joins both parts into the single downloadable document.
func (d Document) Bytes() []byte {
	if len(d.Thresholds) == 0 {
		return d.Rules
	}
	out := make([]byte, 0, len(d.Rules)+len(d.Thresholds)+1)
	out = append(out, d.Rules...)
	out = append(out, '\n')
	out = append(out, d.Thresholds...)
	return out
}

// Render serializes effective rules plus the ruleset-wide directives.
func Render(name string, generated time.Time, rules []EffectiveRule, wide []models.Threshold) Document {
	var rb bytes.Buffer
	fmt.Fprintf(&rb, "# Ruleset %q generated by %s %s at %s\n", name, version.Name, version.Version, generated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&rb, "# %d rules\n", len(rules))
	for _, r := range rules {
		rb.WriteString(oneLine(r.Content))
		rb.WriteByte('\n')
	}

	var tb bytes.Buffer
	for _, r := range rules {
		for i := range r.Thresholds {
			tb.WriteString(threshold.Render(r.Thresholds[i].Directive(r.Rule.SID)))
			tb.WriteByte('\n')
		}
	}
	for i := range wide {
		tb.WriteString(threshold.Render(wide[i].Directive(0)))
		tb.WriteByte('\n')
	}
	return Document{Rules: rb.Bytes(), Thresholds: tb.Bytes()}
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
