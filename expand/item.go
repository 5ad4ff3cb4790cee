package expand

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mailmoth/moth/prvs"
	"github.com/mailmoth/moth/srs"
)

// xitem dispatches a ${name ...} expansion item. The parser is positioned
// just after the name; each item consumes its arguments and the final '}'.
func (p *parser) xitem(name string) Value {
	switch name {
	case "if":
		return p.xitemIf()
	case "lookup":
		return p.xitemLookup()
	case "extract":
		return p.xitemExtract()
	case "listextract":
		return p.xitemListExtract()
	case "filter":
		return p.xitemFilter()
	case "map":
		return p.xitemMap()
	case "reduce":
		return p.xitemReduce()
	case "sort":
		return p.xitemSort()
	case "length":
		return p.xitemLength()
	case "substr":
		return p.xitemSubstr()
	case "hash":
		return p.xitemHash()
	case "nhash":
		return p.xitemNhash()
	case "hmac":
		return p.xitemHmac()
	case "tr":
		return p.xitemTr()
	case "sg":
		return p.xitemSg()
	case "run":
		return p.xitemRun()
	case "readfile":
		return p.xitemReadfile()
	case "readsocket":
		return p.xitemReadsocket()
	case "env":
		return p.xitemEnv()
	case "acl":
		return p.xitemACL()
	case "dlfunc":
		return p.xitemDlfunc()
	case "srs_encode":
		return p.xitemSRSEncode()
	case "prvs":
		return p.xitemPrvs()
	case "prvscheck":
		return p.xitemPrvscheck()
	case "listquote":
		return p.xitemListquote()
	case "imapfolder":
		return p.xitemImapfolder()
	case "authresults":
		return p.xitemAuthresults()
	}
	xerrorf("unknown expansion item %q", name)
	panic("not reached")
}

// xend consumes optional whitespace and the item's closing brace.
func (p *parser) xend() {
	p.skipWS()
	p.xtakeByte('}')
}

// xarms reads the optional {yes}{no} arms of an item, unexpanded. The "no"
// arm may be the literal token "fail" instead of a braced string.
func (p *parser) xarms() (yes string, hasYes bool, no string, hasNo bool, noFail bool) {
	p.skipWS()
	if p.hasBrace() {
		yes = p.xrawBrace()
		hasYes = true
		p.skipWS()
		if p.hasBrace() {
			no = p.xrawBrace()
			hasNo = true
		} else if strings.HasPrefix(p.s[p.o:], "fail") {
			p.o += len("fail")
			noFail = true
		}
	}
	p.xend()
	return
}

func (p *parser) xitemIf() Value {
	restore := p.st.saveCaptures()
	defer restore()

	p.skipWS()
	cond := p.xcond()
	yes, hasYes, no, hasNo, noFail := p.xarms()
	if !hasYes {
		if cond {
			return Value{"true", p.tainted}
		}
		return Value{"", p.tainted}
	}
	if cond {
		return p.subExpand(yes)
	}
	if noFail {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

// lsearch is the built-in lookup type: a linear search through a file of
// "key: value" lines, with continuation lines starting with whitespace.
func lsearch(key Value, target Value) (Value, bool, error) {
	f, err := os.Open(target.S)
	if err != nil {
		return Value{}, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var found bool
	var value strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if found {
				value.WriteString("\n")
				value.WriteString(strings.TrimLeft(line, " \t"))
			}
			continue
		}
		if found {
			break
		}
		k := line
		rest := ""
		if i := strings.IndexAny(line, ": \t"); i >= 0 {
			k, rest = line[:i], strings.TrimLeft(line[i:], ": \t")
		}
		if k == key.S {
			found = true
			value.WriteString(rest)
		}
	}
	if err := scanner.Err(); err != nil {
		return Value{}, false, err
	}
	if !found {
		return Value{}, false, nil
	}
	// File contents are untrusted.
	return Value{value.String(), true}, true, nil
}

func (p *parser) xitemLookup() Value {
	restoreCaptures := p.st.saveCaptures()
	defer restoreCaptures()

	p.skipWS()
	key := p.xexpandBrace()
	p.skipWS()
	start := p.o
	for p.o < len(p.s) && p.s[p.o] != '{' && p.s[p.o] != ' ' && p.s[p.o] != '\t' {
		p.o++
	}
	typ := p.s[start:p.o]
	if typ == "" {
		xerrorf("missing lookup type")
	}
	target := p.xexpandBrace()
	yes, hasYes, no, hasNo, noFail := p.xarms()

	var result Value
	var found bool
	var err error
	metricLookup.WithLabelValues(typ).Inc()
	if typ == "lsearch" {
		xcheckTaint(target, "lookup file")
		result, found, err = lsearch(key, target)
	} else if fn, ok := p.st.Config.Lookups[typ]; ok {
		result, found, err = fn(p.st.Log, key, target)
	} else {
		xerrorf("unknown lookup type %q", typ)
	}
	if err != nil {
		xpanic(DeferError{fmt.Errorf("lookup %s in %q: %v", typ, target.S, err)})
	}

	if found {
		restoreValue := p.st.saveValue()
		defer restoreValue()
		p.st.value = &result
		if !hasYes {
			return result
		}
		return p.subExpand(yes)
	}
	if noFail {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (p *parser) xitemExtract() Value {
	restoreCaptures := p.st.saveCaptures()
	defer restoreCaptures()

	p.skipWS()
	mode := ""
	if !p.hasBrace() {
		mode = p.xname()
		if mode != "json" && mode != "jsons" {
			xerrorf("unknown extract variant %q", mode)
		}
	}

	a1 := p.xexpandBrace()
	a2 := p.xexpandBrace()
	key := strings.TrimSpace(a1.S)

	var result Value
	var found bool
	switch {
	case mode != "":
		result, found = extractJSON(key, a2, mode == "jsons")
	case isAllDigits(key):
		// Numeric: {field}{separators}{subject}.
		subject := p.xexpandBrace()
		n, err := strconv.Atoi(key)
		if err != nil {
			xerrorf("bad extract field number: %v", err)
		}
		result, found = extractField(n, a2.S, subject)
	default:
		result, found = extractKeyed(key, a2)
	}

	yes, hasYes, no, hasNo, noFail := p.xarms()
	if found {
		restoreValue := p.st.saveValue()
		defer restoreValue()
		p.st.value = &result
		if !hasYes {
			return result
		}
		return p.subExpand(yes)
	}
	if noFail {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

// extractField returns 1-based field n of subject, split at any character in
// seps. Field 0 is the whole subject. Empty seps means whitespace splitting.
func extractField(n int, seps string, subject Value) (Value, bool) {
	if n == 0 {
		return subject, subject.S != ""
	}
	var fields []string
	if seps == "" {
		fields = strings.Fields(subject.S)
	} else {
		// Adjacent separators produce empty fields.
		fields = []string{""}
		for i := 0; i < len(subject.S); i++ {
			if strings.IndexByte(seps, subject.S[i]) >= 0 {
				fields = append(fields, "")
			} else {
				fields[len(fields)-1] += string(subject.S[i : i+1])
			}
		}
	}
	if n < 1 || n > len(fields) {
		return Value{}, false
	}
	return Value{fields[n-1], subject.Tainted}, true
}

// extractKeyed finds "key=value" in a subject of space-separated pairs, with
// optionally double-quoted values. Keys compare case-insensitively.
func extractKeyed(key string, subject Value) (Value, bool) {
	s := subject.S
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
			i++
		}
		k := s[start:i]
		var v string
		if i < len(s) && s[i] == '=' {
			i++
			if i < len(s) && s[i] == '"' {
				i++
				var b strings.Builder
				for i < len(s) && s[i] != '"' {
					if s[i] == '\\' && i+1 < len(s) {
						i++
					}
					b.WriteByte(s[i])
					i++
				}
				if i < len(s) {
					i++
				}
				v = b.String()
			} else {
				vstart := i
				for i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
					i++
				}
				v = s[vstart:i]
			}
		}
		if k != "" && strings.EqualFold(k, key) {
			return Value{v, subject.Tainted}, true
		}
	}
	return Value{}, false
}

// extractJSON indexes a JSON object by key, or a JSON array by 1-based
// number. With dequote, a JSON string result loses its quotes.
func extractJSON(key string, subject Value, dequote bool) (Value, bool) {
	var raw json.RawMessage
	if isAllDigits(key) {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(subject.S), &arr); err != nil {
			xerrorf("parsing json array: %v", err)
		}
		n, _ := strconv.Atoi(key)
		if n < 1 || n > len(arr) {
			return Value{}, false
		}
		raw = arr[n-1]
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(subject.S), &obj); err != nil {
			xerrorf("parsing json object: %v", err)
		}
		var ok bool
		raw, ok = obj[key]
		if !ok {
			return Value{}, false
		}
	}
	s := strings.TrimSpace(string(raw))
	if dequote && len(s) >= 2 && s[0] == '"' {
		var unq string
		if err := json.Unmarshal([]byte(s), &unq); err != nil {
			xerrorf("dequoting json string: %v", err)
		}
		s = unq
	}
	return Value{s, subject.Tainted}, true
}

func (p *parser) xitemListExtract() Value {
	restoreCaptures := p.st.saveCaptures()
	defer restoreCaptures()

	nv := p.xexpandBrace()
	list := p.xexpandBrace()
	yes, hasYes, no, hasNo, noFail := p.xarms()

	n, err := strconv.Atoi(strings.TrimSpace(nv.S))
	if err != nil {
		xerrorf("bad listextract index %q", nv.S)
	}
	_, items := splitList(list)
	if n < 0 {
		n = len(items) + 1 + n
	}
	var result Value
	found := n >= 1 && n <= len(items)
	if found {
		result = items[n-1]
	}
	if found {
		restoreValue := p.st.saveValue()
		defer restoreValue()
		p.st.value = &result
		if !hasYes {
			return result
		}
		return p.subExpand(yes)
	}
	if noFail {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

func (p *parser) xitemFilter() Value {
	list := p.xexpandBrace()
	p.skipWS()
	p.xtakeByte('{')
	condRaw := p.rawUntilCloseBrace()
	p.xend()

	restore := p.st.saveItem()
	defer restore()

	sep, items := splitList(list)
	var kept []Value
	for i := range items {
		p.st.item = &items[i]
		sub := parser{st: p.st, s: condRaw, tainted: p.tainted}
		sub.skipWS()
		ok := sub.xcond()
		if ok {
			kept = append(kept, items[i])
		}
	}
	return joinList(sep, kept)
}

// rawUntilCloseBrace scans raw text up to the matching close brace of an
// already-consumed open brace.
func (p *parser) rawUntilCloseBrace() string {
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

func (p *parser) xitemMap() Value {
	list := p.xexpandBrace()
	tmpl := p.xrawBrace()
	p.xend()

	restore := p.st.saveItem()
	defer restore()

	sep, items := splitList(list)
	var out []Value
	for i := range items {
		p.st.item = &items[i]
		out = append(out, p.subExpand(tmpl))
	}
	return joinList(sep, out)
}

func (p *parser) xitemReduce() Value {
	list := p.xexpandBrace()
	init := p.xrawBrace()
	tmpl := p.xrawBrace()
	p.xend()

	restoreItem := p.st.saveItem()
	defer restoreItem()
	restoreValue := p.st.saveValue()
	defer restoreValue()

	acc := p.subExpand(init)
	_, items := splitList(list)
	for i := range items {
		p.st.item = &items[i]
		p.st.value = &acc
		acc = p.subExpand(tmpl)
	}
	return acc
}

func (p *parser) xitemSort() Value {
	list := p.xexpandBrace()
	p.skipWS()
	p.xtakeByte('{')
	op := strings.TrimSpace(p.rawUntilCloseBrace())
	extractor := p.xrawBrace()
	p.xend()

	restore := p.st.saveItem()
	defer restore()

	sep, items := splitList(list)
	keys := make([]Value, len(items))
	for i := range items {
		p.st.item = &items[i]
		keys[i] = p.subExpand(extractor)
	}

	// Insertion sort, stable for equal keys.
	for i := 1; i < len(items); i++ {
		it, key := items[i], keys[i]
		j := i - 1
		for j >= 0 && p.condCompare(op, key, keys[j]) {
			items[j+1], keys[j+1] = items[j], keys[j]
			j--
		}
		items[j+1], keys[j+1] = it, key
	}
	return joinList(sep, items)
}

func (p *parser) xitemLength() Value {
	nv := p.xexpandBrace()
	subject := p.xexpandBrace()
	p.xend()
	n, err := strconv.Atoi(strings.TrimSpace(nv.S))
	if err != nil || n < 0 {
		xerrorf("bad length %q", nv.S)
	}
	if n < len(subject.S) {
		subject.S = subject.S[:n]
	}
	return subject
}

func (p *parser) xitemSubstr() Value {
	a1 := p.xexpandBrace()
	a2 := p.xexpandBrace()
	p.skipWS()
	if p.hasBrace() {
		subject := p.xexpandBrace()
		p.xend()
		start, err := strconv.Atoi(strings.TrimSpace(a1.S))
		if err != nil {
			xerrorf("bad substr start %q", a1.S)
		}
		length, err := strconv.Atoi(strings.TrimSpace(a2.S))
		if err != nil || length < 0 {
			xerrorf("bad substr length %q", a2.S)
		}
		return substr(subject, start, &length)
	}
	// Two-argument form: {start}{subject}.
	p.xend()
	start, err := strconv.Atoi(strings.TrimSpace(a1.S))
	if err != nil {
		xerrorf("bad substr start %q", a1.S)
	}
	return substr(a2, start, nil)
}

// substr takes length bytes from start. A negative start counts from the
// end. A nil length means to the end of the string.
func substr(v Value, start int, length *int) Value {
	s := v.S
	if start < 0 {
		start = len(s) + start
		if start < 0 {
			start = 0
		}
	}
	if start >= len(s) {
		return Value{"", v.Tainted}
	}
	s = s[start:]
	if length != nil && *length < len(s) {
		s = s[:*length]
	}
	return Value{s, v.Tainted}
}

func (p *parser) xitemHash() Value {
	a1 := p.xexpandBrace()
	a2 := p.xexpandBrace()
	p.skipWS()
	var subject Value
	m := -1
	if p.hasBrace() {
		subject = p.xexpandBrace()
		var err error
		m, err = strconv.Atoi(strings.TrimSpace(a2.S))
		if err != nil {
			xerrorf("bad hash alphabet size %q", a2.S)
		}
	} else {
		subject = a2
	}
	p.xend()
	n, err := strconv.Atoi(strings.TrimSpace(a1.S))
	if err != nil {
		xerrorf("bad hash length %q", a1.S)
	}
	out, ok := computeHash(subject.S, n, m)
	if !ok {
		xerrorf("bad hash parameters %d, %d", n, m)
	}
	return Value{out, subject.Tainted}
}

func (p *parser) xitemNhash() Value {
	a1 := p.xexpandBrace()
	a2 := p.xexpandBrace()
	p.skipWS()
	var subject Value
	m := -1
	if p.hasBrace() {
		subject = p.xexpandBrace()
		var err error
		m, err = strconv.Atoi(strings.TrimSpace(a2.S))
		if err != nil {
			xerrorf("bad nhash divisor %q", a2.S)
		}
	} else {
		subject = a2
	}
	p.xend()
	n, err := strconv.Atoi(strings.TrimSpace(a1.S))
	if err != nil {
		xerrorf("bad nhash divisor %q", a1.S)
	}
	return Value{computeNhash(subject.S, n, m), subject.Tainted}
}

func (p *parser) xitemHmac() Value {
	algo := p.xexpandBrace()
	key := p.xexpandBrace()
	data := p.xexpandBrace()
	p.xend()

	var mac func() []byte
	switch strings.ToLower(strings.TrimSpace(algo.S)) {
	case "md5":
		m := hmac.New(md5.New, []byte(key.S))
		m.Write([]byte(data.S))
		mac = func() []byte { return m.Sum(nil) }
	case "sha1":
		m := hmac.New(sha1.New, []byte(key.S))
		m.Write([]byte(data.S))
		mac = func() []byte { return m.Sum(nil) }
	case "sha256":
		m := hmac.New(sha256.New, []byte(key.S))
		m.Write([]byte(data.S))
		mac = func() []byte { return m.Sum(nil) }
	default:
		xerrorf("unknown hmac algorithm %q", algo.S)
	}
	return Value{fmt.Sprintf("%x", mac()), key.Tainted || data.Tainted}
}

func (p *parser) xitemTr() Value {
	subject := p.xexpandBrace()
	from := p.xexpandBrace()
	to := p.xexpandBrace()
	p.xend()
	if to.S == "" {
		return subject
	}
	b := []byte(subject.S)
	for i, c := range b {
		if j := strings.IndexByte(from.S, c); j >= 0 {
			if j >= len(to.S) {
				j = len(to.S) - 1
			}
			b[i] = to.S[j]
		}
	}
	return Value{string(b), subject.Tainted}
}

func (p *parser) xitemSg() Value {
	subject := p.xexpandBrace()
	pattern := p.xexpandBrace()
	replacement := p.xexpandBrace()
	p.xend()

	re, err := regexp.Compile(pattern.S)
	if err != nil {
		xerrorf("compiling regexp %q: %v", pattern.S, err)
	}
	// The replacement uses $1..$N for submatches of the current match.
	out := re.ReplaceAllString(subject.S, replacement.S)
	return Value{out, subject.Tainted || replacement.Tainted}
}

// splitCommand splits a command line on whitespace, honoring single and
// double quotes.
func splitCommand(s string) []string {
	var args []string
	var b strings.Builder
	inArg := false
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				b.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inArg = true
		case c == ' ' || c == '\t':
			if inArg {
				args = append(args, b.String())
				b.Reset()
				inArg = false
			}
		default:
			b.WriteByte(c)
			inArg = true
		}
	}
	if inArg {
		args = append(args, b.String())
	}
	return args
}

func (p *parser) xitemRun() Value {
	cmdline := p.xexpandBrace()
	yes, hasYes, no, hasNo, noFail := p.xarms()

	args := splitCommand(cmdline.S)
	if len(args) == 0 {
		xerrorf("empty command in run")
	}
	xcheckTaint(Value{args[0], cmdline.Tainted}, "command")

	cmd := exec.Command(args[0], args[1:]...)
	var stdout strings.Builder
	cmd.Stdout = &stdout
	err := cmd.Run()
	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			xerrorf("running %q: %v", args[0], err)
		}
		rc = exitErr.ExitCode()
	}
	p.st.runrc = rc
	p.st.hasRunrc = true

	out := Value{stdout.String(), true}
	restoreValue := p.st.saveValue()
	defer restoreValue()
	p.st.value = &out

	if rc == 0 {
		if !hasYes {
			return out
		}
		return p.subExpand(yes)
	}
	if noFail || !hasYes {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

func (p *parser) xitemReadfile() Value {
	path := p.xexpandBrace()
	var eol *Value
	p.skipWS()
	if p.hasBrace() {
		v := p.xexpandBrace()
		eol = &v
	}
	p.xend()

	xcheckTaint(path, "file path")
	buf, err := os.ReadFile(path.S)
	if err != nil {
		xerrorf("reading %q: %v", path.S, err)
	}
	s := string(buf)
	if eol != nil {
		s = strings.ReplaceAll(strings.TrimSuffix(s, "\n"), "\n", eol.S)
	}
	return Value{s, true}
}

func (p *parser) xitemReadsocket() Value {
	addr := p.xexpandBrace()
	request := p.xexpandBrace()
	timeout := 5 * time.Second
	var eol *Value
	var failArm *string
	p.skipWS()
	if p.hasBrace() {
		opts := p.xexpandBrace()
		if t := strings.Fields(opts.S); len(t) > 0 {
			d, err := time.ParseDuration(t[0])
			if err == nil {
				timeout = d
			} else if secs, err := strconv.Atoi(t[0]); err == nil {
				timeout = time.Duration(secs) * time.Second
			} else {
				xerrorf("bad readsocket timeout %q", t[0])
			}
		}
		p.skipWS()
		if p.hasBrace() {
			v := p.xexpandBrace()
			eol = &v
			p.skipWS()
			if p.hasBrace() {
				raw := p.xrawBrace()
				failArm = &raw
			}
		}
	}
	p.xend()

	network, address := "unix", addr.S
	if strings.HasPrefix(addr.S, "inet:") {
		network, address = "tcp", strings.TrimPrefix(addr.S, "inet:")
	} else {
		xcheckTaint(addr, "socket path")
	}

	fail := func(err error) Value {
		if failArm != nil {
			return p.subExpand(*failArm)
		}
		xerrorf("readsocket %q: %v", addr.S, err)
		panic("not reached")
	}

	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fail(err)
	}
	if request.S != "" {
		if _, err := conn.Write([]byte(request.S)); err != nil {
			return fail(err)
		}
	}
	buf, err := io.ReadAll(conn)
	if err != nil {
		return fail(err)
	}
	s := string(buf)
	if eol != nil {
		s = strings.ReplaceAll(strings.TrimSuffix(s, "\n"), "\n", eol.S)
	}
	return Value{s, true}
}

func (p *parser) xitemEnv() Value {
	name := p.xexpandBrace()
	yes, hasYes, no, hasNo, noFail := p.xarms()

	v, ok := os.LookupEnv(name.S)
	if ok {
		result := Value{S: v}
		restoreValue := p.st.saveValue()
		defer restoreValue()
		p.st.value = &result
		if !hasYes {
			return result
		}
		return p.subExpand(yes)
	}
	if noFail {
		xpanic(ErrForced)
	}
	if hasNo {
		return p.subExpand(no)
	}
	return Value{"", p.tainted}
}

// xbraceArgs reads all remaining braced arguments of an item, expanded.
func (p *parser) xbraceArgs() []Value {
	var args []Value
	p.skipWS()
	for p.hasBrace() {
		args = append(args, p.xexpandBrace())
		p.skipWS()
	}
	p.xend()
	return args
}

func (p *parser) xitemACL() Value {
	args := p.xbraceArgs()
	if len(args) == 0 {
		xerrorf("missing acl name")
	}
	if p.st.Config.ACL == nil {
		xerrorf("no acls configured")
	}
	v, ok, err := p.st.Config.ACL(p.st.Log, args[0].S, args[1:])
	if err != nil {
		xpanic(DeferError{fmt.Errorf("acl %q: %v", args[0].S, err)})
	}
	if !ok {
		xpanic(ErrForced)
	}
	return v
}

func (p *parser) xitemDlfunc() Value {
	args := p.xbraceArgs()
	if len(args) == 0 {
		xerrorf("missing dlfunc name")
	}
	fn, ok := p.st.Config.Funcs[args[0].S]
	if !ok {
		xerrorf("unknown dlfunc %q", args[0].S)
	}
	v, err := fn(p.st.Log, args[1:])
	if err != nil {
		xerrorf("dlfunc %q: %v", args[0].S, err)
	}
	return v
}

func (p *parser) xitemSRSEncode() Value {
	secret := p.xexpandBrace()
	sender := p.xexpandBrace()
	domain := p.xexpandBrace()
	p.xend()

	// An empty return path (a bounce) stays empty.
	if sender.S == "" {
		return Value{"", sender.Tainted}
	}
	secrets := []string{secret.S}
	if secret.S == "" {
		secrets = p.st.Config.SRSSecrets
	}
	rewritten, err := srs.Forward(p.st.Log.Logger, secrets, sender.S, domain.S)
	if err != nil {
		xerrorf("srs_encode: %v", err)
	}
	return Value{rewritten, sender.Tainted}
}

func (p *parser) xitemPrvs() Value {
	address := p.xexpandBrace()
	secret := p.xexpandBrace()
	keynum := 0
	p.skipWS()
	if p.hasBrace() {
		kv := p.xexpandBrace()
		n, err := strconv.Atoi(strings.TrimSpace(kv.S))
		if err != nil {
			xerrorf("bad prvs key number %q", kv.S)
		}
		keynum = n
	}
	p.xend()

	key := secret.S
	if key == "" {
		key = p.st.Config.PRVSSecret
	}
	tagged, err := prvs.Sign(p.st.Log.Logger, address.S, key, keynum)
	if err != nil {
		xerrorf("prvs: %v", err)
	}
	return Value{tagged, address.Tainted}
}

var prvsCheckRegexp = regexp.MustCompile(`^prvs=([0-9])([0-9]{3})([0-9A-Fa-f]{6})=(.+)$`)

func (p *parser) xitemPrvscheck() Value {
	address := p.xexpandBrace()
	secretRaw := p.xrawBrace()
	var resultRaw *string
	p.skipWS()
	if p.hasBrace() {
		raw := p.xrawBrace()
		resultRaw = &raw
	}
	p.xend()

	setVar := func(name, v string, tainted bool) {
		if p.st.Vars == nil {
			p.st.Vars = map[string]Value{}
		}
		p.st.Vars[name] = Value{v, tainted}
	}
	setVar("prvscheck_result", "", false)

	m := prvsCheckRegexp.FindStringSubmatch(address.S)
	if m == nil {
		return Value{"", p.tainted}
	}
	setVar("prvscheck_address", m[4], address.Tainted)
	setVar("prvscheck_keynum", m[1], address.Tainted)

	// The secret argument is expanded only now, so it can use
	// $prvscheck_address and $prvscheck_keynum for its key lookup.
	secret := p.subExpand(secretRaw)
	if secret.S == "" {
		return Value{"", p.tainted}
	}
	if _, _, err := prvs.Check(p.st.Log.Logger, address.S, secret.S); err == nil {
		setVar("prvscheck_result", "1", false)
	}
	if resultRaw != nil {
		return p.subExpand(*resultRaw)
	}
	return p.st.Vars["prvscheck_address"]
}

func (p *parser) xitemListquote() Value {
	sepv := p.xexpandBrace()
	item := p.xexpandBrace()
	p.xend()
	if len(sepv.S) != 1 {
		xerrorf("listquote needs a single separator character, got %q", sepv.S)
	}
	sep := sepv.S[:1]
	return Value{strings.ReplaceAll(item.S, sep, sep + sep), item.Tainted}
}

// xitemAuthresults builds an Authentication-Results header value (RFC 8601)
// for the given authserv-id, from the authentication state in the variables.
// With nothing authenticated the value ends in "; none".
func (p *parser) xitemAuthresults() Value {
	id := p.xexpandBrace()
	p.xend()

	var b strings.Builder
	b.WriteString("Authentication-Results: ")
	b.WriteString(id.S)
	tainted := id.Tainted
	methods := 0

	if v, ok := p.st.Vars["authenticated_id"]; ok && v.S != "" {
		b.WriteString(";\n\tauth=pass")
		if mech, ok := p.st.Vars["sender_host_authenticated"]; ok && mech.S != "" {
			fmt.Fprintf(&b, " (%s)", mech.S)
			tainted = tainted || mech.Tainted
		}
		fmt.Fprintf(&b, " smtp.auth=%s", v.S)
		tainted = tainted || v.Tainted
		methods++
	}
	if name, ok := p.st.Vars["sender_host_name"]; ok && name.S != "" {
		fmt.Fprintf(&b, ";\n\tiprev=pass (%s)", name.S)
		tainted = tainted || name.Tainted
		if addr, ok := p.st.Vars["sender_host_address"]; ok && addr.S != "" {
			fmt.Fprintf(&b, " smtp.remote-ip=%s", addr.S)
			tainted = tainted || addr.Tainted
		}
		methods++
	}
	if methods == 0 {
		b.WriteString("; none")
	}
	return Value{b.String(), tainted}
}

func (p *parser) xitemImapfolder() Value {
	name := p.xexpandBrace()
	p.skipWS()
	for p.hasBrace() {
		// Folder separator and special characters, accepted and ignored: we
		// always encode the name as-is.
		p.xexpandBrace()
		p.skipWS()
	}
	p.xend()
	return Value{imapUTF7Encode(name.S), name.Tainted}
}

// imapUTF7Encode encodes a mailbox name in IMAP modified UTF-7 (RFC 3501
// section 5.1.3).
func imapUTF7Encode(s string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"
	var b strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		var units []uint16
		for _, r := range pending {
			if r > 0xffff {
				r -= 0x10000
				units = append(units, uint16(0xd800+r>>10), uint16(0xdc00+r&0x3ff))
			} else {
				units = append(units, uint16(r))
			}
		}
		var bytes []byte
		for _, u := range units {
			bytes = append(bytes, byte(u>>8), byte(u))
		}
		b.WriteByte('&')
		for i := 0; i < len(bytes); i += 3 {
			chunk := bytes[i:]
			if len(chunk) > 3 {
				chunk = chunk[:3]
			}
			var v uint32
			for j := 0; j < 3; j++ {
				v <<= 8
				if j < len(chunk) {
					v |= uint32(chunk[j])
				}
			}
			n := (len(chunk)*8 + 5) / 6
			for j := 0; j < n; j++ {
				b.WriteByte(alphabet[(v>>(18-6*j))&0x3f])
			}
		}
		b.WriteByte('-')
		pending = nil
	}
	for _, r := range s {
		if r >= 0x20 && r <= 0x7e {
			flush()
			if r == '&' {
				b.WriteString("&-")
			} else {
				b.WriteRune(r)
			}
		} else {
			pending = append(pending, r)
		}
	}
	flush()
	return b.String()
}
