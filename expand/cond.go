package expand

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailmoth/moth/srs"
)

// xcond parses and evaluates a condition at the current position, e.g.
// inside ${if ...}.
func (p *parser) xcond() bool {
	p.skipWS()
	if p.peek() == '!' {
		p.o++
		return !p.xcond()
	}

	// Symbolic numeric comparisons.
	for _, sym := range []string{"<=", "<", "==", "=", ">=", ">"} {
		if strings.HasPrefix(p.s[p.o:], sym) {
			p.o += len(sym)
			a := xparseNum(p.xexpandBrace().S, false)
			b := xparseNum(p.xexpandBrace().S, false)
			switch sym {
			case "<":
				return a < b
			case "<=":
				return a <= b
			case "=", "==":
				return a == b
			case ">":
				return a > b
			case ">=":
				return a >= b
			}
		}
	}

	name := p.xname()
	switch name {
	case "eq", "eqi", "lt", "lti", "le", "lei", "gt", "gti", "ge", "gei", "ne", "nei":
		a := p.xexpandBrace()
		b := p.xexpandBrace()
		return stringCompare(name, a.S, b.S)
	case "match":
		subject := p.xexpandBrace()
		pattern := p.xexpandBrace()
		return p.xmatch(subject, pattern.S)
	case "match_address":
		return p.xmatchList(matchAddress)
	case "match_domain":
		return p.xmatchList(matchDomain)
	case "match_ip":
		return p.xmatchList(matchIP)
	case "match_local_part":
		return p.xmatchList(matchLocalPart)
	case "inlist", "inlisti":
		subject := p.xexpandBrace()
		list := p.xexpandBrace()
		_, items := splitList(list)
		for _, it := range items {
			if name == "inlisti" && strings.EqualFold(it.S, subject.S) || name == "inlist" && it.S == subject.S {
				return true
			}
		}
		return false
	case "crypteq":
		plain := p.xexpandBrace()
		crypted := p.xexpandBrace()
		return cryptEq(plain.S, crypted.S)
	case "def":
		p.xtakeByte(':')
		return p.xdef()
	case "exists":
		path := p.xexpandBrace()
		xcheckTaint(path, "file path")
		_, err := os.Stat(path.S)
		return err == nil
	case "isip":
		v := p.xexpandBrace()
		return net.ParseIP(strings.TrimSpace(v.S)) != nil
	case "isip4":
		v := p.xexpandBrace()
		ip := net.ParseIP(strings.TrimSpace(v.S))
		return ip != nil && strings.Contains(v.S, ".") && ip.To4() != nil
	case "isip6":
		v := p.xexpandBrace()
		ip := net.ParseIP(strings.TrimSpace(v.S))
		return ip != nil && strings.Contains(v.S, ":")
	case "bool":
		v := strings.TrimSpace(p.xexpandBrace().S)
		switch strings.ToLower(v) {
		case "true", "yes":
			return true
		case "false", "no", "":
			return false
		}
		if n, err := parseNum(v, false); err == nil {
			return n != 0
		}
		xerrorf("bool of non-boolean %q", v)
	case "bool_lax":
		v := strings.TrimSpace(p.xexpandBrace().S)
		switch strings.ToLower(v) {
		case "false", "no", "0", "":
			return false
		}
		return true
	case "and", "or":
		p.skipWS()
		p.xtakeByte('{')
		result := name == "and"
		for {
			p.skipWS()
			if p.peek() == '}' {
				p.o++
				return result
			}
			raw := p.xrawBrace()
			// Short-circuit: remaining conditions are not evaluated.
			if name == "and" && result || name == "or" && !result {
				sub := parser{st: p.st, s: raw, tainted: p.tainted}
				sub.skipWS()
				ok := sub.xcond()
				if name == "and" {
					result = result && ok
				} else {
					result = result || ok
				}
			}
		}
	case "forany", "forall", "forany_json", "forall_json", "forany_jsons", "forall_jsons":
		return p.xforCond(name)
	case "inbound_srs":
		local := p.xexpandBrace()
		secret := p.xexpandBrace()
		secrets := []string{secret.S}
		if secret.S == "" {
			secrets = p.st.Config.SRSSecrets
		}
		addr, err := srs.Reverse(p.st.Log.Logger, secrets, local.S)
		if err != nil {
			return false
		}
		if p.st.Vars == nil {
			p.st.Vars = map[string]Value{}
		}
		p.st.Vars["srs_recipient"] = Value{addr, local.Tainted}
		return true
	case "acl":
		p.skipWS()
		p.xtakeByte('{')
		args := p.xbraceArgsInner()
		if len(args) == 0 {
			xerrorf("missing acl name")
		}
		if p.st.Config.ACL == nil {
			xerrorf("no acls configured")
		}
		v, ok, err := p.st.Config.ACL(p.st.Log, args[0].S, args[1:])
		if err != nil {
			xpanic(DeferError{err})
		}
		if p.st.Vars == nil {
			p.st.Vars = map[string]Value{}
		}
		p.st.Vars["acl_verify_message"] = v
		return ok
	}
	xerrorf("unknown condition %q", name)
	panic("not reached")
}

// xbraceArgsInner reads braced args up to a closing brace of an outer group,
// consuming that closing brace.
func (p *parser) xbraceArgsInner() []Value {
	var args []Value
	for {
		p.skipWS()
		if p.peek() == '}' {
			p.o++
			return args
		}
		args = append(args, p.xexpandBrace())
	}
}

func stringCompare(op, a, b string) bool {
	if strings.HasSuffix(op, "i") {
		a, b = strings.ToLower(a), strings.ToLower(b)
		op = op[:len(op)-1]
	}
	switch op {
	case "eq":
		return a == b
	case "ne":
		return a != b
	case "lt":
		return a < b
	case "le":
		return a <= b
	case "gt":
		return a > b
	case "ge":
		return a >= b
	}
	xerrorf("unknown string comparison %q", op)
	panic("not reached")
}

// condCompare is the two-argument comparator for ${sort}, accepting both the
// symbolic numeric and the named string operators.
func (p *parser) condCompare(op string, a, b Value) bool {
	switch op {
	case "<", "<=", ">", ">=", "=", "==":
		x := xparseNum(a.S, false)
		y := xparseNum(b.S, false)
		switch op {
		case "<":
			return x < y
		case "<=":
			return x <= y
		case ">":
			return x > y
		case ">=":
			return x >= y
		default:
			return x == y
		}
	default:
		return stringCompare(op, a.S, b.S)
	}
}

// xmatch evaluates an unanchored regex match and publishes $0..$N.
func (p *parser) xmatch(subject Value, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		xerrorf("compiling regexp %q: %v", pattern, err)
	}
	m := re.FindStringSubmatch(subject.S)
	if m == nil {
		return false
	}
	captures := make([]Value, len(m))
	for i, s := range m {
		captures[i] = Value{s, subject.Tainted}
	}
	p.st.captures = captures
	return true
}

type listMatcher func(p *parser, subject Value, pattern string) bool

// xmatchList evaluates match_address and friends: the subject against each
// pattern of a list, with "!" negation and "+name" named-list indirection.
func (p *parser) xmatchList(match listMatcher) bool {
	subject := p.xexpandBrace()
	list := p.xexpandBrace()
	return p.matchListItems(subject, list, match)
}

func (p *parser) matchListItems(subject Value, list Value, match listMatcher) bool {
	_, items := splitList(list)
	for _, it := range items {
		pattern := it.S
		negate := false
		if strings.HasPrefix(pattern, "!") {
			negate = true
			pattern = strings.TrimSpace(pattern[1:])
		}
		ok := false
		if named, isRef := strings.CutPrefix(pattern, "+"); isRef {
			sub, exists := p.st.Config.Lists[named]
			if !exists {
				xerrorf("unknown named list %q", pattern)
			}
			ok = p.matchListItems(subject, Value{sub, false}, match)
		} else {
			ok = match(p, subject, pattern)
		}
		if ok {
			return !negate
		}
	}
	return false
}

func matchDomain(p *parser, subject Value, pattern string) bool {
	s := strings.ToLower(subject.S)
	pat := strings.ToLower(pattern)
	switch {
	case pat == "*":
		return true
	case pat == "@":
		return s == strings.ToLower(p.st.Config.PrimaryHostname)
	case strings.HasPrefix(pattern, "^"):
		return p.xmatch(subject, pattern)
	case strings.HasPrefix(pat, "*"):
		return strings.HasSuffix(s, pat[1:])
	default:
		return s == pat
	}
}

func matchLocalPart(p *parser, subject Value, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "^"):
		return p.xmatch(subject, pattern)
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(subject.S, pattern[1:])
	default:
		return subject.S == pattern
	}
}

func matchAddress(p *parser, subject Value, pattern string) bool {
	if strings.HasPrefix(pattern, "^") {
		return p.xmatch(subject, pattern)
	}
	at := strings.LastIndex(subject.S, "@")
	if at < 0 {
		return strings.EqualFold(subject.S, pattern)
	}
	slocal, sdomain := subject.S[:at], Value{subject.S[at+1:], subject.Tainted}
	pat := strings.LastIndex(pattern, "@")
	if pat < 0 {
		return false
	}
	plocal, pdomain := pattern[:pat], pattern[pat+1:]
	if plocal != "*" && plocal != slocal {
		return false
	}
	return matchDomain(p, sdomain, pdomain)
}

func matchIP(p *parser, subject Value, pattern string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(subject.S))
	if err != nil {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "/") {
		pfx, err := netip.ParsePrefix(pattern)
		if err != nil {
			xerrorf("bad cidr %q in ip list", pattern)
		}
		return pfx.Contains(addr.Unmap())
	}
	other, err := netip.ParseAddr(pattern)
	if err != nil {
		xerrorf("bad ip %q in ip list", pattern)
	}
	return addr.Unmap() == other.Unmap()
}

// cryptEq compares a plaintext against a tagged password hash: {md5},
// {sha1}, {bcrypt}, or {crypt} with a bcrypt-format hash. The legacy DES
// schemes crypt16 and bigcrypt are recognized but not supported.
func cryptEq(plain, crypted string) bool {
	tag := "crypt"
	rest := crypted
	if strings.HasPrefix(crypted, "{") {
		end := strings.Index(crypted, "}")
		if end < 0 {
			xerrorf("malformed crypteq hash %q", crypted)
		}
		tag = strings.ToLower(crypted[1:end])
		rest = crypted[end+1:]
	}
	switch tag {
	case "md5":
		sum := md5.Sum([]byte(plain))
		return digestEqual(sum[:], rest)
	case "sha1":
		sum := sha1.Sum([]byte(plain))
		return digestEqual(sum[:], rest)
	case "bcrypt":
		return bcrypt.CompareHashAndPassword([]byte(rest), []byte(plain)) == nil
	case "crypt":
		if strings.HasPrefix(rest, "$2") {
			return bcrypt.CompareHashAndPassword([]byte(rest), []byte(plain)) == nil
		}
		xerrorf("crypt scheme of hash %q not supported", rest)
	case "crypt16", "bigcrypt":
		xerrorf("crypteq scheme %q not supported", tag)
	}
	xerrorf("unknown crypteq scheme %q", tag)
	panic("not reached")
}

// digestEqual compares a binary digest against its hex or base64 encoding.
func digestEqual(sum []byte, encoded string) bool {
	if len(encoded) == hex.EncodedLen(len(sum)) {
		return strings.EqualFold(hex.EncodeToString(sum), encoded)
	}
	return base64.StdEncoding.EncodeToString(sum) == encoded
}

// xdef tests whether a variable is set and non-empty, or a header present.
func (p *parser) xdef() bool {
	rest := p.s[p.o:]
	for _, pfx := range []string{"h_", "header_", "rh_", "rheader_", "bh_", "bheader_"} {
		if strings.HasPrefix(rest, pfx) {
			p.o += len(pfx)
			start := p.o
			for p.o < len(p.s) && p.s[p.o] != ':' && p.s[p.o] != ' ' && p.s[p.o] != '\t' && p.s[p.o] != '}' {
				p.o++
			}
			name := p.s[start:p.o]
			if p.o < len(p.s) && p.s[p.o] == ':' {
				p.o++
			}
			_, ok := p.st.headerValue(name, true, false)
			return ok
		}
	}
	name := p.xname()
	if v, ok := p.st.Vars[name]; ok {
		return v.S != ""
	}
	for _, bv := range builtins {
		if bv.name == name {
			return bv.fn(p.st).S != ""
		}
	}
	xerrorf("def: of unknown variable %q", name)
	panic("not reached")
}

// xforCond evaluates forany/forall over a plain or JSON list.
func (p *parser) xforCond(name string) bool {
	list := p.xexpandBrace()
	p.skipWS()
	p.xtakeByte('{')
	condRaw := p.rawUntilCloseBrace()

	var items []Value
	switch {
	case strings.HasSuffix(name, "_json"), strings.HasSuffix(name, "_jsons"):
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(list.S), &arr); err != nil {
			xerrorf("parsing json array: %v", err)
		}
		dequote := strings.HasSuffix(name, "_jsons")
		for _, raw := range arr {
			s := strings.TrimSpace(string(raw))
			if dequote && len(s) >= 2 && s[0] == '"' {
				var unq string
				if err := json.Unmarshal([]byte(s), &unq); err != nil {
					xerrorf("dequoting json string: %v", err)
				}
				s = unq
			}
			items = append(items, Value{s, list.Tainted})
		}
	default:
		_, items = splitList(list)
	}

	restore := p.st.saveItem()
	defer restore()

	all := strings.HasPrefix(name, "forall")
	for i := range items {
		p.st.item = &items[i]
		sub := parser{st: p.st, s: condRaw, tainted: p.tainted}
		sub.skipWS()
		ok := sub.xcond()
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}
