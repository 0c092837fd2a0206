package ruleparser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
)

const maxLineSize = 1 << 20

// Options carries the context a feed file is parsed in; it only decorates errors.
type Options struct {
	Source   string
	Category string
}

// Result is the outcome of parsing one feed file. Errors holds *ParseError and
// *ConflictError values for every skipped record.
type Result struct {
	Rules  []Rule
	Errors []error
}

// Skipped returns the number of records that were dropped.
func (r *Result) Skipped() int { return len(r.Errors) }

// Parser parses one import batch. Sids are unique across every file parsed
// with the same Parser.
type Parser struct {
	seen map[int64]string
}

// New returns a Parser for a fresh import batch.
func New() *Parser {
	return &Parser{seen: make(map[int64]string)}
}

// Parse is a convenience wrapper for single-file batches.
func Parse(r io.Reader, opts Options) (*Result, error) {
	return New().Parse(r, opts)
}

// Parse reads rules line by line. Only read errors are returned; malformed
// records are reported in Result.Errors.
func (p *Parser) Parse(r io.Reader, opts Options) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	start := 0
	var pending strings.Builder
	for scanner.Scan() {
		lineNo++
		text := strings.TrimRight(scanner.Text(), "\r")
		if pending.Len() == 0 {
			start = lineNo
		}
		if strings.HasSuffix(text, `\`) {
			pending.WriteString(strings.TrimSuffix(text, `\`))
			continue
		}
		pending.WriteString(text)
		p.consume(res, pending.String(), start, opts)
		pending.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	if pending.Len() > 0 {
		p.consume(res, pending.String(), start, opts)
	}
	return res, nil
}

func (p *Parser) consume(res *Result, line string, lineNo int, opts Options) {
	rule, reason := ParseLine(line)
	if rule == nil && reason == "" {
		return
	}
	if reason != "" {
		perr := &rerrors.ParseError{Source: opts.Source, Category: opts.Category, Line: lineNo, Reason: reason}
		if rule != nil {
			perr.SID = rule.SID
		}
		res.Errors = append(res.Errors, perr)
		return
	}
	rule.Line = lineNo

	where := fmt.Sprintf("%s:%d", opts.Category, lineNo)
	if first, dup := p.seen[rule.SID]; dup {
		res.Errors = append(res.Errors, &rerrors.ConflictError{
			Kind:   rerrors.ConflictDuplicateSID,
			SID:    rule.SID,
			Detail: fmt.Sprintf("%s duplicates the rule at %s", where, first),
		})
		return
	}
	p.seen[rule.SID] = where
	res.Rules = append(res.Rules, *rule)
}

// ParseLine parses a single logical line. It returns (nil, "") for blank lines
// and plain comments, and a non-empty reason for malformed rules.
func ParseLine(line string) (*Rule, string) {
	body := strings.TrimSpace(line)
	if body == "" {
		return nil, ""
	}

	enabled := true
	if strings.HasPrefix(body, "#") {
		body = strings.TrimSpace(strings.TrimLeft(body, "#"))
		// Prose such as "# alert rules for IoT" has no option block.
		if !IsActionKeyword(ActionOf(body)) || !strings.Contains(body, "(") {
			return nil, ""
		}
		enabled = false
	}

	action := ActionOf(body)
	if !IsActionKeyword(action) {
		return nil, fmt.Sprintf("unknown action %q", action)
	}

	open := strings.Index(body, "(")
	end := strings.LastIndex(body, ")")
	if open < 0 || end < open {
		return nil, "missing rule options"
	}

	header := strings.TrimSpace(body[:open])
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return nil, "incomplete rule header"
	}

	opts, err := splitOptions(body[open+1 : end])
	if err != nil {
		return nil, err.Error()
	}

	rule := &Rule{
		Raw:     body,
		Enabled: enabled,
		Action:  action,
		Proto:   fields[1],
		Header:  header,
		Options: opts,
		GID:     1,
	}

	for _, opt := range opts {
		switch opt.Name {
		case "sid":
			sid, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || sid <= 0 {
				return nil, fmt.Sprintf("invalid sid %q", opt.Value)
			}
			rule.SID = sid
		case "gid":
			gid, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || gid <= 0 {
				return rule, fmt.Sprintf("invalid gid %q", opt.Value)
			}
			rule.GID = gid
		case "rev":
			if rev, err := strconv.ParseInt(opt.Value, 10, 64); err == nil {
				rule.Rev = rev
			}
		case "msg":
			rule.Msg = unquote(opt.Value)
		case "classtype":
			rule.Classtype = opt.Value
		case "flowbits":
			rule.Flowbits = append(rule.Flowbits, flowbitKeys(opt.Value)...)
		}
	}

	if rule.SID == 0 {
		return nil, "missing sid"
	}
	return rule, ""
}

// splitOptions splits the option body on unescaped semicolons outside quotes.
func splitOptions(body string) ([]Option, error) {
	var (
		opts    []Option
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() error {
		raw := strings.TrimSpace(cur.String())
		cur.Reset()
		if raw == "" {
			return nil
		}
		name, value, found := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t\"") {
			return fmt.Errorf("malformed option %q", raw)
		}
		opt := Option{Name: name}
		if found {
			opt.Value = strings.TrimSpace(value)
		}
		opts = append(opts, opt)
		return nil
	}

	for _, r := range body {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			quoted = !quoted
		case r == ';' && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return opts, nil
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	replacer := strings.NewReplacer(`\"`, `"`, `\;`, `;`, `\\`, `\`)
	return replacer.Replace(v)
}

// flowbitKeys returns the state keys a flowbits option touches. Commands without
// a key (noalert) contribute nothing.
func flowbitKeys(value string) []string {
	cmd, names, found := strings.Cut(value, ",")
	if !found {
		return nil
	}
	switch strings.TrimSpace(cmd) {
	case "set", "isset", "unset", "toggle", "isnotset":
	default:
		return nil
	}
	var keys []string
	for _, k := range strings.FieldsFunc(names, func(r rune) bool { return r == '&' || r == '|' }) {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
