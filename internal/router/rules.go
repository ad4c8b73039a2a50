// Package router implements the external resolver of spec §6: given the
// routing key (and a few other fields) extracted by internal/sniff, it
// chooses a backend address.
//
// The rule syntax and line-oriented parser are carried over from the
// teacher's impairment-profile DSL, retargeted from choosing an
// impairment profile to choosing a backend:
//
//	when sni_contains api. then 10.0.0.5:8443
//	when host_contains admin. then 10.0.0.9:8080
//	when alpn_contains h2 then 10.0.0.7:443
//	# comments and blank lines are ignored
//
// Rules are evaluated top to bottom; the first match wins. A Set with
// no matching rule falls back to the configured default backend.
package router

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"sniproxy/internal/sniff"
)

// Rule is one parsed `when ... then ...` line.
type Rule struct {
	Raw       string
	Predicate func(res sniff.Result) bool
	Backend   string
}

// Set is an ordered collection of Rules plus a fallback backend.
type Set struct {
	Rules   []Rule
	Default string
}

// Parse reads a rules file from r, one rule per line. Blank lines and
// lines starting with # are ignored.
func Parse(r io.Reader) (Set, error) {
	var set Set
	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return Set{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := s.Err(); err != nil {
		return Set{}, err
	}
	return set, nil
}

func parseLine(line string) (Rule, error) {
	lower := strings.ToLower(line)
	if !strings.HasPrefix(lower, "when ") {
		return Rule{}, fmt.Errorf("missing 'when'")
	}
	parts := strings.SplitN(line[len("when "):], " then ", 2)
	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("missing 'then'")
	}
	cond := strings.TrimSpace(parts[0])
	backend := strings.TrimSpace(parts[1])
	if backend == "" {
		return Rule{}, fmt.Errorf("empty backend")
	}

	fields := strings.Fields(cond)
	if len(fields) != 2 {
		return Rule{}, fmt.Errorf("invalid condition format")
	}
	field, val := strings.ToLower(fields[0]), fields[1]

	var predicate func(res sniff.Result) bool
	switch field {
	case "sni_contains":
		needle := strings.ToLower(val)
		predicate = func(r sniff.Result) bool {
			return r.Protocol == "tls" && strings.Contains(strings.ToLower(r.Hostname), needle)
		}
	case "sni_equals":
		want := strings.ToLower(val)
		predicate = func(r sniff.Result) bool {
			return r.Protocol == "tls" && strings.ToLower(r.Hostname) == want
		}
	case "host_contains":
		needle := strings.ToLower(val)
		predicate = func(r sniff.Result) bool {
			return r.Protocol == "http" && strings.Contains(strings.ToLower(r.Hostname), needle)
		}
	case "alpn_contains":
		needle := strings.ToLower(val)
		predicate = func(r sniff.Result) bool {
			for _, p := range r.ALPN {
				if strings.ToLower(p) == needle {
					return true
				}
			}
			return false
		}
	default:
		return Rule{}, fmt.Errorf("unsupported field %q", field)
	}

	return Rule{Raw: line, Predicate: predicate, Backend: backend}, nil
}

// Match returns the first matching backend, or the Set's Default if
// nothing matches and ok reports whether any backend (matched or
// default) is available.
func (s Set) Match(res sniff.Result) (backend string, ok bool) {
	for _, r := range s.Rules {
		if r.Predicate(res) {
			return r.Backend, true
		}
	}
	if s.Default != "" {
		return s.Default, true
	}
	return "", false
}
