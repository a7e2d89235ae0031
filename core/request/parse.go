// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package request

import (
	"strconv"
	"strings"

	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
)

// ParseSelect parses the selection grammar:
//
//	select := item (',' item)*
//	item   := name options? ( '.' item | '[' select ']' )?
//	options:= '(' key '=' value (',' key '=' value)* ')'
//
// Example: "id,title,author(limit=3,order=name:asc)[name,group.id]".
// Option values may be double-quoted to contain commas or parentheses.
// Items naming the same attribute merge; on conflicting options the
// later one wins.
func ParseSelect(s string) (map[string]*Select, error) {
	sc := &selectScanner{s: s}
	result, err := sc.parseList()
	if err != nil {
		return nil, err
	}
	if sc.pos < len(sc.s) {
		return nil, errs.NewRequest("invalid select: unexpected %q at offset %d", sc.s[sc.pos:sc.pos+1], sc.pos)
	}
	return result, nil
}

type selectScanner struct {
	s   string
	pos int
}

func (sc *selectScanner) peek() byte {
	if sc.pos >= len(sc.s) {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *selectScanner) parseList() (map[string]*Select, error) {
	result := map[string]*Select{}
	for {
		name, node, err := sc.parseItem()
		if err != nil {
			return nil, err
		}
		if existing, ok := result[name]; ok {
			mergeSelect(existing, node)
		} else {
			result[name] = node
		}
		if sc.peek() != ',' {
			break
		}
		sc.pos++
	}
	return result, nil
}

func (sc *selectScanner) parseItem() (string, *Select, error) {
	name := sc.ident()
	if name == "" {
		return "", nil, errs.NewRequest("invalid select: expected attribute name at offset %d", sc.pos)
	}
	node := &Select{}
	if sc.peek() == '(' {
		sc.pos++
		if err := sc.parseOptions(node); err != nil {
			return "", nil, err
		}
	}
	switch sc.peek() {
	case '.':
		sc.pos++
		childName, childNode, err := sc.parseItem()
		if err != nil {
			return "", nil, err
		}
		node.Select = map[string]*Select{childName: childNode}
	case '[':
		sc.pos++
		sub, err := sc.parseList()
		if err != nil {
			return "", nil, err
		}
		if sc.peek() != ']' {
			return "", nil, errs.NewRequest("invalid select: missing ']' at offset %d", sc.pos)
		}
		sc.pos++
		node.Select = sub
	}
	return name, node, nil
}

func (sc *selectScanner) parseOptions(node *Select) error {
	for {
		key := sc.ident()
		if key == "" || sc.peek() != '=' {
			return errs.NewRequest("invalid select: expected option at offset %d", sc.pos)
		}
		sc.pos++
		value, err := sc.optionValue()
		if err != nil {
			return err
		}
		if err := applySelectOption(node, key, value); err != nil {
			return err
		}
		switch sc.peek() {
		case ',':
			sc.pos++
		case ')':
			sc.pos++
			return nil
		default:
			return errs.NewRequest("invalid select: missing ')' at offset %d", sc.pos)
		}
	}
}

func (sc *selectScanner) optionValue() (string, error) {
	if sc.peek() == '"' {
		start := sc.pos
		sc.pos++
		for sc.pos < len(sc.s) {
			switch sc.s[sc.pos] {
			case '\\':
				sc.pos += 2
				continue
			case '"':
				sc.pos++
				value, err := strconv.Unquote(sc.s[start:sc.pos])
				if err != nil {
					return "", errs.NewRequest("invalid select: bad quoted value at offset %d", start)
				}
				return value, nil
			}
			sc.pos++
		}
		return "", errs.NewRequest("invalid select: unterminated quote at offset %d", start)
	}
	start := sc.pos
	for sc.pos < len(sc.s) && sc.s[sc.pos] != ',' && sc.s[sc.pos] != ')' {
		sc.pos++
	}
	return sc.s[start:sc.pos], nil
}

func (sc *selectScanner) ident() string {
	start := sc.pos
	for sc.pos < len(sc.s) && isIdentByte(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.s[start:sc.pos]
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

func applySelectOption(node *Select, key, value string) error {
	switch key {
	case "limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errs.NewRequest("invalid select: bad limit %q", value)
		}
		node.Limit = pointers.IntPtr(n)
	case "page":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return errs.NewRequest("invalid select: bad page %q", value)
		}
		node.Page = pointers.IntPtr(n)
	case "order":
		order, err := ParseOrder(value)
		if err != nil {
			return err
		}
		node.Order = order
	case "filter":
		filter, err := ParseFilter(value)
		if err != nil {
			return err
		}
		node.Filter = filter
	default:
		return errs.NewRequest("invalid select: unknown option %q", key)
	}
	return nil
}

// MergeSelect merges the src selection tree into dst and returns dst,
// allocating it when nil. Nodes with the same name merge recursively, on
// conflicting options the src side wins.
func MergeSelect(dst, src map[string]*Select) map[string]*Select {
	if dst == nil {
		dst = make(map[string]*Select, len(src))
	}
	for name, node := range src {
		if existing, ok := dst[name]; ok {
			mergeSelect(existing, node)
			continue
		}
		dst[name] = node
	}
	return dst
}

func mergeSelect(dst, src *Select) {
	for name, child := range src.Select {
		if existing, ok := dst.Select[name]; ok {
			mergeSelect(existing, child)
			continue
		}
		if dst.Select == nil {
			dst.Select = map[string]*Select{}
		}
		dst.Select[name] = child
	}
	if src.Filter != nil {
		dst.Filter = src.Filter
	}
	if src.Order != nil {
		dst.Order = src.Order
	}
	if src.Limit != nil {
		dst.Limit = src.Limit
	}
	if src.Page != nil {
		dst.Page = src.Page
	}
}

// ParseFilter parses the filter grammar into disjunctive normal form:
//
//	filter := group (' OR ' group)*
//	group  := term (' AND ' term)*
//	term   := path op value
//	op     := '=' | '!=' | '<' | '<=' | '>' | '>=' | '~'
//
// A value is a double-quoted string, a number, true, false, null, or a
// bare token; a comma-separated run of values, optionally in brackets
// like [1,2,3], forms a set. "OR" and "AND" inside quoted values do not
// split.
func ParseFilter(s string) (FilterDNF, error) {
	var dnf FilterDNF
	for _, group := range splitQuoted(s, " OR ") {
		var terms []Filter
		for _, term := range splitQuoted(group, " AND ") {
			f, err := parseFilterTerm(term)
			if err != nil {
				return nil, err
			}
			terms = append(terms, f)
		}
		dnf = append(dnf, terms)
	}
	return dnf, nil
}

var filterOperators = []struct {
	symbol string
	op     Operator
}{
	{"!=", OpNotEqual},
	{"<=", OpLessOrEqual},
	{">=", OpGreaterOrEqual},
	{"=", OpEqual},
	{"<", OpLess},
	{">", OpGreater},
	{"~", OpLike},
}

func parseFilterTerm(term string) (Filter, error) {
	for _, candidate := range filterOperators {
		idx := indexQuoted(term, candidate.symbol)
		if idx < 0 {
			continue
		}
		path, err := parsePath(strings.TrimSpace(term[:idx]))
		if err != nil {
			return Filter{}, err
		}
		value, err := parseFilterValue(strings.TrimSpace(term[idx+len(candidate.symbol):]))
		if err != nil {
			return Filter{}, err
		}
		return Filter{Attribute: path, Operator: candidate.op, Value: value}, nil
	}
	return Filter{}, errs.NewRequest("invalid filter: no operator in %q", term)
}

func parseFilterValue(s string) (interface{}, error) {
	forceList := false
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		forceList = true
		s = s[1 : len(s)-1]
	}
	parts := splitQuoted(s, ",")
	if len(parts) == 1 && !forceList {
		return parseScalar(parts[0])
	}
	values := make([]interface{}, 0, len(parts))
	for _, part := range parts {
		v, err := parseScalar(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func parseScalar(s string) (interface{}, error) {
	if s == "" {
		return nil, errs.NewRequest("invalid filter: empty value")
	}
	if s[0] == '"' {
		value, err := strconv.Unquote(s)
		if err != nil {
			return nil, errs.NewRequest("invalid filter: bad quoted value %s", s)
		}
		return value, nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

// ParseOrder parses "attr:direction" criteria separated by commas, for
// example "date:desc,author.name". The direction defaults to asc.
func ParseOrder(s string) ([]Order, error) {
	var result []Order
	for _, part := range strings.Split(s, ",") {
		spec := part
		direction := "asc"
		if idx := strings.LastIndexByte(part, ':'); idx >= 0 {
			spec = part[:idx]
			direction = part[idx+1:]
		}
		if direction != "asc" && direction != "desc" {
			return nil, errs.NewRequest("invalid order direction %q", direction)
		}
		path, err := parsePath(strings.TrimSpace(spec))
		if err != nil {
			return nil, err
		}
		result = append(result, Order{Attribute: path, Direction: direction})
	}
	return result, nil
}

func parsePath(s string) ([]string, error) {
	if s == "" {
		return nil, errs.NewRequest("invalid attribute path: empty")
	}
	path := strings.Split(s, ".")
	for _, segment := range path {
		if segment == "" {
			return nil, errs.NewRequest("invalid attribute path %q", s)
		}
		for i := 0; i < len(segment); i++ {
			if !isIdentByte(segment[i]) {
				return nil, errs.NewRequest("invalid attribute path %q", s)
			}
		}
	}
	return path, nil
}

// splitQuoted splits s on sep, ignoring occurrences inside double-quoted
// runs. Backslash escapes the next byte inside quotes.
func splitQuoted(s, sep string) []string {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuotes && s[i] == '\\':
			i++
		case s[i] == '"':
			inQuotes = !inQuotes
		case !inQuotes && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// indexQuoted returns the index of the first occurrence of sub outside
// double quotes, or -1.
func indexQuoted(s, sub string) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuotes && s[i] == '\\':
			i++
		case s[i] == '"':
			inQuotes = !inQuotes
		case !inQuotes && strings.HasPrefix(s[i:], sub):
			return i
		}
	}
	return -1
}
