// Package expand implements the string-expansion language used in
// configuration options: variable substitution, operators such as ${uc:...},
// items such as ${if ...} and ${lookup ...}, conditions, and C-like integer
// arithmetic with ${eval:...}.
//
// Values carry a taint flag. Data derived from untrusted input (SMTP peer,
// DNS, message contents, file contents) is tainted, and tainted values are
// rejected as file paths and command names. Taint propagates through every
// substitution and concatenation.
//
// Expansion can fail in three distinct ways: a forced failure (the literal
// "fail" token or an item that treats missing data as a deliberate branch
// outcome), returned as ErrForced and silently recovered by some callers; a
// hard failure (syntax error, unknown variable or item), returned as Error
// with a message; and a defer (transient lookup or I/O trouble), returned as
// a DeferError so callers can map it to a 4xx response.
package expand

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/mothvar"
)

var pkglog = mlog.New("expand", nil)

// Value is a string plus its taint flag.
type Value struct {
	S       string
	Tainted bool
}

// String returns an untainted value, for constants and configuration.
func String(s string) Value { return Value{s, false} }

// Tainted returns a tainted value, for data derived from untrusted input.
func Tainted(s string) Value { return Value{s, true} }

var (
	// ErrForced is returned when an expansion explicitly fails, e.g. with the
	// "fail" token in an ${if} or ${lookup}. Callers that treat the failure as
	// a deliberate branch outcome recover silently.
	ErrForced = errors.New("expansion forced to fail")

	// ErrTainted is returned when a tainted value reaches a forbidden sink
	// such as a file path or command name.
	ErrTainted = errors.New("tainted data in unsafe context")
)

// Error is a hard expansion failure: syntax error, unknown variable or item,
// unbalanced braces.
type Error struct {
	Msg string
}

func (e Error) Error() string { return "expansion failed: " + e.Msg }

// DeferError wraps a transient failure, e.g. an unreachable lookup backend.
// Callers typically map it to a temporary SMTP error.
type DeferError struct {
	Err error
}

func (e DeferError) Error() string { return "expansion deferred: " + e.Err.Error() }
func (e DeferError) Unwrap() error { return e.Err }

// LookupFunc finds key in a lookup backend. Found reports whether the key
// was present. Errors are treated as transient and surface as a DeferError.
type LookupFunc func(log mlog.Log, key Value, target Value) (result Value, found bool, err error)

// Config holds per-process expansion settings, shared between expansions.
type Config struct {
	PrimaryHostname string
	QualifyDomain   string

	SRSSecrets []string // First signs, all verify.
	PRVSSecret string

	// Additional lookup types for ${lookup}, merged over the built-in
	// "lsearch". Keys are type names.
	Lookups map[string]LookupFunc

	// Named lists for ${listnamed:name} and "+name" references in match_*
	// and inlist conditions. Values are raw list text.
	Lists map[string]string

	// ACL runs a named ACL for the ${acl} item and "acl" condition. The
	// returned value becomes the expansion result, ok the condition result.
	ACL func(log mlog.Log, name string, args []Value) (value Value, ok bool, err error)

	// Funcs implement ${dlfunc{name}{arg}...}.
	Funcs map[string]func(log mlog.Log, args []Value) (Value, error)

	// MaxDepth bounds expansion recursion. 0 means the default of 100.
	MaxDepth int
}

// Header is a single message header field, in order of appearance.
type Header struct {
	Name  string
	Value string // Without trailing CRLF, with continuation lines unfolded.
}

// State is the mutable context of one expansion call chain. Callers fill
// Config, Vars and Headers; the remaining fields are managed during
// expansion.
type State struct {
	Config  *Config
	Log     mlog.Log
	Vars    map[string]Value // Message/session variables, e.g. "domain", "sender_address".
	Headers []Header

	captures []Value // $0 whole match, $1.. groups, from the last regex match.
	item     *Value  // $item during filter/map/reduce/sort/forany/forall.
	value    *Value  // $value during lookup/extract/reduce/run.
	runrc    int
	hasRunrc bool
	depth    int
}

type expandPanic struct {
	err error
}

func xpanic(err error) {
	panic(expandPanic{err})
}

func xerrorf(format string, args ...any) {
	xpanic(Error{fmt.Sprintf(format, args...)})
}

// xcheckTaint aborts the expansion when v would be used in a context where
// tainted data must not reach, like file paths and command names.
func xcheckTaint(v Value, what string) {
	if v.Tainted {
		xpanic(fmt.Errorf("%w: %s %q", ErrTainted, what, v.S))
	}
}

func (st *State) xrecover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	ep, ok := x.(expandPanic)
	if !ok {
		panic(x)
	}
	*rerr = ep.err
}

// saveCaptures brackets the numeric capture variables around an item, so a
// regex match inside ${if}/${lookup}/${extract} does not clobber the
// caller's $1..$N once the item completes.
func (st *State) saveCaptures() func() {
	saved := st.captures
	return func() {
		st.captures = saved
	}
}

func (st *State) saveItem() func() {
	saved := st.item
	return func() {
		st.item = saved
	}
}

func (st *State) saveValue() func() {
	saved := st.value
	return func() {
		st.value = saved
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForced):
		return "forced"
	case errors.Is(err, ErrTainted):
		return "taint"
	default:
		var derr DeferError
		if errors.As(err, &derr) {
			return "defer"
		}
		return "error"
	}
}

// Expand expands source. A source without '$' or '\' is returned unchanged.
func Expand(source Value, st *State) (v Value, rerr error) {
	if st.Config == nil {
		st.Config = &Config{}
	}
	if st.Log.Logger == nil {
		st.Log = pkglog
	}

	defer func() {
		metricExpand.WithLabelValues(classify(rerr)).Inc()
		if rerr != nil {
			st.Log.Debugx("expansion failed", rerr, slog.String("source", source.S))
		}
	}()
	defer st.xrecover(&rerr)

	max := st.Config.MaxDepth
	if max == 0 {
		max = 100
	}
	st.depth++
	defer func() {
		st.depth--
	}()
	if st.depth > max {
		xerrorf("expansion too deeply nested")
	}

	if !strings.ContainsAny(source.S, "$\\") {
		return source, nil
	}

	p := &parser{st: st, s: source.S, tainted: source.Tainted}
	v = p.xparse(false)
	return v, nil
}

type parser struct {
	st      *State
	s       string
	tainted bool // Taint of the source text itself.
	o       int
}

// subExpand expands raw as a nested expansion sharing the source taint, e.g.
// a chosen ${if} arm or a per-element template.
func (p *parser) subExpand(raw string) Value {
	sub := parser{st: p.st, s: raw, tainted: p.tainted}
	return sub.xparse(false)
}

func (p *parser) peek() byte {
	if p.o >= len(p.s) {
		return 0
	}
	return p.s[p.o]
}

func (p *parser) xtakeByte(c byte) {
	if p.o >= len(p.s) || p.s[p.o] != c {
		xerrorf("expected %q at position %d in %q", string(rune(c)), p.o, p.s)
	}
	p.o++
}

func (p *parser) skipWS() {
	for p.o < len(p.s) && (p.s[p.o] == ' ' || p.s[p.o] == '\t' || p.s[p.o] == '\n') {
		p.o++
	}
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func (p *parser) xname() string {
	start := p.o
	for p.o < len(p.s) && isNameChar(p.s[p.o]) {
		p.o++
	}
	if p.o == start {
		xerrorf("missing name at position %d in %q", p.o, p.s)
	}
	return p.s[start:p.o]
}

// xparse is the core loop. With braceEnds, an unmatched '}' terminates the
// recursion (and is consumed); without, '}' is a literal.
func (p *parser) xparse(braceEnds bool) Value {
	var b strings.Builder
	tainted := p.tainted
	for p.o < len(p.s) {
		c := p.s[p.o]
		switch {
		case c == '}' && braceEnds:
			p.o++
			return Value{b.String(), tainted}
		case c == '\\':
			if strings.HasPrefix(p.s[p.o:], `\N`) {
				// Verbatim region, typically protecting a regex.
				rest := p.s[p.o+2:]
				if end := strings.Index(rest, `\N`); end >= 0 {
					b.WriteString(rest[:end])
					p.o += 2 + end + 2
				} else {
					b.WriteString(rest)
					p.o = len(p.s)
				}
			} else {
				b.WriteString(p.xescape())
			}
		case c == '$':
			v := p.xdollar()
			b.WriteString(v.S)
			tainted = tainted || v.Tainted
		default:
			b.WriteByte(c)
			p.o++
		}
	}
	if braceEnds {
		xerrorf("missing '}' in %q", p.s)
	}
	return Value{b.String(), tainted}
}

// xescape handles a backslash escape: \n, \r, \t, octal \NNN, hex \xHH, and
// any other character taken literally.
func (p *parser) xescape() string {
	p.o++ // The backslash.
	if p.o >= len(p.s) {
		return "\\"
	}
	c := p.s[p.o]
	p.o++
	switch {
	case c == 'n':
		return "\n"
	case c == 'r':
		return "\r"
	case c == 't':
		return "\t"
	case c >= '0' && c <= '7':
		n := int(c - '0')
		for i := 0; i < 2 && p.o < len(p.s) && p.s[p.o] >= '0' && p.s[p.o] <= '7'; i++ {
			n = n*8 + int(p.s[p.o]-'0')
			p.o++
		}
		return string([]byte{byte(n)})
	case c == 'x':
		n := 0
		digits := 0
		for digits < 2 && p.o < len(p.s) {
			d, ok := hexval(p.s[p.o])
			if !ok {
				break
			}
			n = n*16 + d
			p.o++
			digits++
		}
		return string([]byte{byte(n)})
	default:
		// Unknown escapes keep their backslash, so regex classes like \w and
		// \d survive outside \N regions.
		return string([]byte{'\\', c})
	}
}

func hexval(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// xdollar handles everything starting with '$': numeric captures, plain and
// braced variables, header references, operators and items.
func (p *parser) xdollar() Value {
	p.o++ // The dollar.
	if p.o >= len(p.s) {
		xerrorf("'$' at end of string")
	}
	c := p.s[p.o]
	switch {
	case c >= '0' && c <= '9':
		start := p.o
		for p.o < len(p.s) && p.s[p.o] >= '0' && p.s[p.o] <= '9' {
			p.o++
		}
		n, err := strconv.Atoi(p.s[start:p.o])
		if err != nil {
			xerrorf("bad numeric variable: %v", err)
		}
		return p.st.capture(n)
	case c == '{':
		p.o++
		if hdr, ok := p.xheaderRef(true); ok {
			return hdr
		}
		name := p.xname()
		switch p.peek() {
		case '}':
			p.o++
			return p.xvariable(name)
		case ':':
			p.o++
			arg := p.xparse(true)
			return p.xoperator(name, arg)
		default:
			return p.xitem(name)
		}
	case isNameChar(c):
		if hdr, ok := p.xheaderRef(false); ok {
			return hdr
		}
		name := p.xname()
		return p.xvariable(name)
	default:
		xerrorf("bad character after '$' at position %d in %q", p.o, p.s)
		panic("not reached")
	}
}

// xheaderRef recognizes $h_name:, $rh_name:, $bh_name: (and the long
// "header" forms). The header name runs to a colon (consumed) or, for the
// braced form, the closing brace.
func (p *parser) xheaderRef(braced bool) (Value, bool) {
	rest := p.s[p.o:]
	var raw, binary bool
	var skip int
	switch {
	case strings.HasPrefix(rest, "h_"):
		skip = 2
	case strings.HasPrefix(rest, "header_"):
		skip = 7
	case strings.HasPrefix(rest, "rh_"):
		skip, raw = 3, true
	case strings.HasPrefix(rest, "rheader_"):
		skip, raw = 8, true
	case strings.HasPrefix(rest, "bh_"):
		skip, binary = 3, true
	case strings.HasPrefix(rest, "bheader_"):
		skip, binary = 8, true
	default:
		return Value{}, false
	}
	p.o += skip
	start := p.o
	for p.o < len(p.s) && p.s[p.o] != ':' && p.s[p.o] != '}' {
		p.o++
	}
	name := p.s[start:p.o]
	if p.o < len(p.s) && p.s[p.o] == ':' {
		p.o++
	}
	if braced {
		p.xtakeByte('}')
	}
	if name == "" {
		xerrorf("empty header name")
	}
	v, _ := p.st.headerValue(name, raw, binary)
	return v, true
}

// headerValue returns the named header, concatenating repeated occurrences
// with a comma for address headers and a newline otherwise, RFC 2047-decoded
// unless raw or binary. Message headers are always tainted.
func (st *State) headerValue(name string, raw, binary bool) (Value, bool) {
	var values []string
	for _, h := range st.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, strings.TrimSpace(h.Value))
		}
	}
	if len(values) == 0 {
		return Value{"", true}, false
	}
	sep := "\n"
	if addressHeaders[strings.ToLower(name)] {
		sep = ","
	}
	s := strings.Join(values, sep)
	if !raw && !binary {
		if dec, err := rfc2047Decoder.DecodeHeader(s); err == nil {
			s = dec
		}
	}
	return Value{s, true}, true
}

var addressHeaders = map[string]bool{
	"from":     true,
	"to":       true,
	"cc":       true,
	"bcc":      true,
	"reply-to": true,
	"sender":   true,
}

var rfc2047Decoder = mime.WordDecoder{}

func (st *State) capture(n int) Value {
	if n < len(st.captures) {
		return st.captures[n]
	}
	return Value{}
}

// Built-in variables, in sorted order for bisection.
var builtins = []struct {
	name string
	fn   func(st *State) Value
}{
	{"item", func(st *State) Value {
		if st.item != nil {
			return *st.item
		}
		return Value{}
	}},
	{"moth_version", func(st *State) Value { return Value{S: mothvar.Version} }},
	{"primary_hostname", func(st *State) Value { return Value{S: st.Config.PrimaryHostname} }},
	{"qualify_domain", func(st *State) Value {
		if st.Config.QualifyDomain != "" {
			return Value{S: st.Config.QualifyDomain}
		}
		return Value{S: st.Config.PrimaryHostname}
	}},
	{"runrc", func(st *State) Value {
		if !st.hasRunrc {
			return Value{}
		}
		return Value{S: strconv.Itoa(st.runrc)}
	}},
	{"tod_epoch", func(st *State) Value { return Value{S: strconv.FormatInt(timeNow().Unix(), 10)} }},
	{"tod_epoch_l", func(st *State) Value { return Value{S: strconv.FormatInt(timeNow().UnixMicro(), 10)} }},
	{"tod_full", func(st *State) Value { return Value{S: timeNow().Format("Mon, 02 Jan 2006 15:04:05 -0700")} }},
	{"tod_log", func(st *State) Value { return Value{S: timeNow().Format("2006-01-02 15:04:05")} }},
	{"tod_logfile", func(st *State) Value { return Value{S: timeNow().Format("20060102")} }},
	{"tod_zulu", func(st *State) Value { return Value{S: timeNow().UTC().Format("20060102150405Z")} }},
	{"value", func(st *State) Value {
		if st.value != nil {
			return *st.value
		}
		return Value{}
	}},
}

var timeNow = time.Now

func (p *parser) xvariable(name string) Value {
	i := sort.Search(len(builtins), func(i int) bool { return builtins[i].name >= name })
	if i < len(builtins) && builtins[i].name == name {
		return builtins[i].fn(p.st)
	}
	if v, ok := p.st.Vars[name]; ok {
		return v
	}
	xerrorf("unknown variable %q", name)
	panic("not reached")
}

// xrawBrace scans a balanced {...} block without expanding it, honoring \N
// regions and backslash escapes, and returns the inner text.
func (p *parser) xrawBrace() string {
	p.skipWS()
	p.xtakeByte('{')
	start := p.o
	depth := 0
	for p.o < len(p.s) {
		if strings.HasPrefix(p.s[p.o:], `\N`) {
			rest := p.s[p.o+2:]
			if end := strings.Index(rest, `\N`); end >= 0 {
				p.o += 2 + end + 2
			} else {
				p.o = len(p.s)
			}
			continue
		}
		switch p.s[p.o] {
		case '\\':
			p.o += 2
			continue
		case '{':
			depth++
		case '}':
			if depth == 0 {
				inner := p.s[start:p.o]
				p.o++
				return inner
			}
			depth--
		}
		p.o++
	}
	xerrorf("missing '}' in %q", p.s)
	panic("not reached")
}

// xexpandBrace reads a braced argument and expands it.
func (p *parser) xexpandBrace() Value {
	return p.subExpand(p.xrawBrace())
}

// hasBrace reports whether the next non-whitespace character opens a brace.
func (p *parser) hasBrace() bool {
	o := p.o
	for o < len(p.s) && (p.s[o] == ' ' || p.s[o] == '\t' || p.s[o] == '\n') {
		o++
	}
	return o < len(p.s) && p.s[o] == '{'
}

// List helpers. Lists are separated by ':' unless the list starts with
// "<x" for punctuation x. A doubled separator is a literal occurrence.

func isPunct(c byte) bool {
	return c < 0x80 && !isNameChar(c) && c > ' '
}

func listSep(s string) (byte, string) {
	t := strings.TrimLeft(s, " \t\n")
	if len(t) >= 2 && t[0] == '<' && isPunct(t[1]) {
		sep := t[1]
		t = t[2:]
		t = strings.TrimLeft(t, " \t\n")
		return sep, t
	}
	return ':', s
}

// splitList splits an expansion-style list into its items, trimming
// whitespace and dropping empty items.
func splitList(v Value) (byte, []Value) {
	sep, s := listSep(v.S)
	var items []Value
	var b strings.Builder
	flush := func() {
		item := strings.Trim(b.String(), " \t\n")
		b.Reset()
		if item != "" {
			items = append(items, Value{item, v.Tainted})
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == sep {
			if i+1 < len(s) && s[i+1] == sep {
				b.WriteByte(c)
				i++
				continue
			}
			flush()
			continue
		}
		b.WriteByte(c)
	}
	flush()
	return sep, items
}

// joinList joins items with sep, doubling occurrences of sep inside items.
func joinList(sep byte, items []Value) Value {
	var b strings.Builder
	tainted := false
	for i, it := range items {
		if i > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(strings.ReplaceAll(it.S, string(rune(sep)), string([]byte{sep, sep})))
		tainted = tainted || it.Tainted
	}
	return Value{b.String(), tainted}
}
