package hub

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/hub/wire"
)

var errMatchNotFound = errors.New("match rule not found")

// matchRule is a predicate over message header fields. Absent fields are
// wildcards; present ones must match exactly, except for the namespace and
// path variants which match by prefix.
type matchRule struct {
	typ           wire.Type
	sender        string
	iface         string
	member        string
	path          string
	pathNamespace string
	destination   string
	arg0Namespace string
	args          map[int]string
	argPaths      map[int]string
}

const maxMatchArgs = 64

func parseMatchRule(s string) (*matchRule, error) {
	rule := &matchRule{}
	for _, kv := range splitMatchRule(s) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.Errorf("malformed match rule element %q", kv)
		}
		value, err := unquoteMatchValue(key, value)
		if err != nil {
			return nil, err
		}

		switch {
		case key == "type":
			switch value {
			case "method_call":
				rule.typ = wire.TypeMethodCall
			case "method_return":
				rule.typ = wire.TypeMethodReturn
			case "error":
				rule.typ = wire.TypeError
			case "signal":
				rule.typ = wire.TypeSignal
			default:
				return nil, errors.Errorf("invalid message type %q in match rule", value)
			}
		case key == "sender":
			rule.sender = value
		case key == "interface":
			rule.iface = value
		case key == "member":
			rule.member = value
		case key == "path":
			rule.path = value
		case key == "path_namespace":
			rule.pathNamespace = value
		case key == "destination":
			rule.destination = value
		case key == "arg0namespace":
			rule.arg0Namespace = value
		case key == "eavesdrop":
			// Accepted for compatibility, never honored.
		case strings.HasPrefix(key, "arg"):
			n, path, err := parseArgKey(key[3:])
			if err != nil {
				return nil, err
			}
			if path {
				if rule.argPaths == nil {
					rule.argPaths = map[int]string{}
				}
				rule.argPaths[n] = value
			} else {
				if rule.args == nil {
					rule.args = map[int]string{}
				}
				rule.args[n] = value
			}
		default:
			return nil, errors.Errorf("unknown match rule key %q", key)
		}
	}
	if rule.path != "" && rule.pathNamespace != "" {
		return nil, errors.New("path and path_namespace must not be combined")
	}
	return rule, nil
}

func parseArgKey(s string) (int, bool, error) {
	path := strings.HasSuffix(s, "path")
	if path {
		s = s[:len(s)-4]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= maxMatchArgs || (len(s) > 1 && s[0] == '0') {
		return 0, false, errors.Errorf("invalid argument index %q in match rule", s)
	}
	return n, path, nil
}

// unquoteMatchValue strips apostrophe quoting from a match rule value.
// Quoting is optional; quoted sections may appear anywhere in the value and
// protect commas from element splitting.
func unquoteMatchValue(key, value string) (string, error) {
	if !strings.Contains(value, "'") {
		return value, nil
	}
	var sb strings.Builder
	quoted := false
	for i := range len(value) {
		if value[i] == '\'' {
			quoted = !quoted
			continue
		}
		sb.WriteByte(value[i])
	}
	if quoted {
		return "", errors.Errorf("unterminated quote in match rule value of %q", key)
	}
	return sb.String(), nil
}

// splitMatchRule splits on commas outside single quotes.
func splitMatchRule(s string) []string {
	var parts []string
	start := 0
	quoted := false
	for i := range len(s) {
		switch {
		case s[i] == '\'':
			quoted = !quoted
		case s[i] == ',' && !quoted:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if part := s[start:]; part != "" {
		parts = append(parts, part)
	}
	return parts
}

// matches evaluates the rule. resolve maps a well-known name to its current
// owner so that sender rules written against service names keep matching.
// args are the message's decoded leading arguments.
func (rule *matchRule) matches(msg *wire.Message, args []any, resolve func(string) string) bool {
	if rule.typ != 0 && rule.typ != msg.Type {
		return false
	}
	if rule.sender != "" && rule.sender != msg.Sender && resolve(rule.sender) != msg.Sender {
		return false
	}
	if rule.iface != "" && rule.iface != msg.Interface {
		return false
	}
	if rule.member != "" && rule.member != msg.Member {
		return false
	}
	if rule.path != "" && rule.path != string(msg.Path) {
		return false
	}
	if rule.pathNamespace != "" && !pathInNamespace(string(msg.Path), rule.pathNamespace) {
		return false
	}
	if rule.destination != "" && rule.destination != msg.Destination {
		return false
	}
	if rule.arg0Namespace != "" {
		s, ok := stringArg(args, 0)
		if !ok || (s != rule.arg0Namespace && !strings.HasPrefix(s, rule.arg0Namespace+".")) {
			return false
		}
	}
	for n, want := range rule.args {
		s, ok := stringArg(args, n)
		if !ok || s != want {
			return false
		}
	}
	for n, want := range rule.argPaths {
		s, ok := pathArg(args, n)
		if !ok || !pathsOverlap(s, want) {
			return false
		}
	}
	return true
}

func stringArg(args []any, n int) (string, bool) {
	if n >= len(args) {
		return "", false
	}
	s, ok := args[n].(string)
	return s, ok
}

func pathArg(args []any, n int) (string, bool) {
	if n >= len(args) {
		return "", false
	}
	switch v := args[n].(type) {
	case string:
		return v, true
	case wire.ObjectPath:
		return string(v), true
	}
	return "", false
}

func pathInNamespace(path, ns string) bool {
	if ns == "/" {
		return true
	}
	return path == ns || strings.HasPrefix(path, ns+"/")
}

// pathsOverlap implements argNpath semantics: either value may be the
// '/'-terminated prefix of the other.
func pathsOverlap(path, want string) bool {
	if path == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(path, want) {
		return true
	}
	if strings.HasSuffix(path, "/") && strings.HasPrefix(want, path) {
		return true
	}
	return false
}

type ruleEntry struct {
	rule  *matchRule
	count int
}

// matchIndex is the process-wide set of active subscriptions, keyed by the
// owning connection and the literal rule text. Identical rules added twice
// are reference-counted the way the reference bus does it.
type matchIndex struct {
	resolve func(string) string

	mu    sync.Mutex
	rules map[string]map[string]*ruleEntry
}

func newMatchIndex(resolve func(string) string) *matchIndex {
	return &matchIndex{
		resolve: resolve,
		rules:   map[string]map[string]*ruleEntry{},
	}
}

func (idx *matchIndex) Add(conn, s string) error {
	rule, err := parseMatchRule(s)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	connRules, exists := idx.rules[conn]
	if !exists {
		connRules = map[string]*ruleEntry{}
		idx.rules[conn] = connRules
	}
	if e, exists := connRules[s]; exists {
		e.count++
		return nil
	}
	connRules[s] = &ruleEntry{rule: rule, count: 1}
	return nil
}

func (idx *matchIndex) Remove(conn, s string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, exists := idx.rules[conn][s]
	if !exists {
		return errors.WithStack(errMatchNotFound)
	}
	e.count--
	if e.count == 0 {
		delete(idx.rules[conn], s)
		if len(idx.rules[conn]) == 0 {
			delete(idx.rules, conn)
		}
	}
	return nil
}

func (idx *matchIndex) RemoveAll(conn string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.rules, conn)
}

// Subscribers returns the connections whose rules accept the message, each at
// most once regardless of how many of its rules match.
func (idx *matchIndex) Subscribers(msg *wire.Message) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var args []any
	argsDecoded := false

	var subscribers []string
	for conn, connRules := range idx.rules {
		for _, e := range connRules {
			if !argsDecoded && (e.rule.arg0Namespace != "" || len(e.rule.args) > 0 || len(e.rule.argPaths) > 0) {
				args = msg.Args()
				argsDecoded = true
			}
			if e.rule.matches(msg, args, idx.resolve) {
				subscribers = append(subscribers, conn)
				break
			}
		}
	}
	return subscribers
}
