package printer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	statusMarker   = "set machineStatus"
	transferMarker = "Transferred:"
)

// Status is a parsed status.sts file, keyed by machineStatus section name
// (general, mariner, currentJob, ...).
type Status map[string]Section

// Section holds the -key value pairs of one machineStatus section. Values are
// int64, float64, bool, string or []string.
type Section map[string]any

// Section returns the named section, or nil when the printer did not report it.
func (s Status) Section(name string) Section {
	return s[name]
}

func (s Section) Value(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// Float returns a numeric value as float64.
func (s Section) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Int returns a numeric value truncated to int64.
func (s Section) Int(key string) (int64, bool) {
	switch v := s[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// String returns the value rendered as text. Lists are joined with spaces.
func (s Section) String(key string) (string, bool) {
	switch v := s[key].(type) {
	case string:
		return v, true
	case []string:
		return strings.Join(v, " "), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

func (s Section) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

func (s Section) Strings(key string) ([]string, bool) {
	v, ok := s[key].([]string)
	return v, ok
}

// Parse extracts the machineStatus block from a raw status transfer and parses it.
func Parse(data []byte) (Status, error) {
	start := bytes.Index(data, []byte(statusMarker))
	if start < 0 {
		return nil, fmt.Errorf("%w: no machineStatus block", ErrMalformed)
	}

	block := data[start:]
	if end := bytes.Index(block, []byte(transferMarker)); end >= 0 {
		block = block[:end]
	}

	st := ParseTCL(string(block))
	if len(st) == 0 {
		return nil, fmt.Errorf("%w: no sections found", ErrMalformed)
	}

	return st, nil
}

// ParseTCL parses the TCL flavoured status format:
//
//	set machineStatus(general) {
//	  -modelerStatus idle
//	  -modelerExplanation {door open}
//	}
//
// Anonymous nested blocks are consumed but their contents are discarded.
func ParseTCL(text string) Status {
	result := Status{}

	var current Section
	var stack []Section

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, statusMarker+"("):
			name := sectionName(line)
			if _, ok := result[name]; !ok {
				result[name] = Section{}
			}
			current = result[name]
			stack = stack[:0]

		case strings.HasPrefix(line, "{"):
			stack = append(stack, current)
			current = Section{}

		case strings.HasPrefix(line, "}"):
			if len(stack) > 0 {
				current = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}

		case strings.HasPrefix(line, "-"):
			if current == nil {
				continue
			}
			key, raw, _ := strings.Cut(line[1:], " ")
			if key == "" {
				continue
			}
			current[key] = parseValue(strings.TrimSpace(raw))
		}
	}

	return result
}

func sectionName(line string) string {
	open := strings.IndexByte(line, '(')
	end := strings.IndexByte(line, ')')
	if open < 0 || end <= open {
		return ""
	}
	return line[open+1 : end]
}

func parseValue(raw string) any {
	if strings.HasPrefix(raw, "{") {
		inner := strings.TrimSuffix(raw[1:], "}")
		fields := strings.Fields(inner)
		if len(fields) > 1 {
			return fields
		}
		return strings.TrimSpace(inner)
	}

	if isNumeric(raw) {
		if strings.Contains(raw, ".") {
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				return f
			}
		} else if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
	}

	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}

	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return raw[1 : len(raw)-1]
	}

	return raw
}

// isNumeric accepts an optional sign, digits and at most one decimal point.
func isNumeric(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" || s == "." {
		return false
	}
	dots := 0
	for _, r := range s {
		switch {
		case r == '.':
			dots++
			if dots > 1 {
				return false
			}
		case r < '0' || r > '9':
			return false
		}
	}
	return true
}
