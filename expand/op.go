package expand

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net"
	"net/mail"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"unicode"

	"golang.org/x/crypto/sha3"
)

// xoperator dispatches a ${name:arg} operator, with arg already expanded.
// Names like substr_1_2 carry their parameters in underscore suffixes.
func (p *parser) xoperator(name string, arg Value) Value {
	switch name {
	case "uc":
		return Value{strings.ToUpper(arg.S), arg.Tainted}
	case "lc":
		return Value{strings.ToLower(arg.S), arg.Tainted}
	case "length":
		return Value{strconv.Itoa(len(arg.S)), false}
	case "md5":
		sum := md5.Sum([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha1":
		sum := sha1.Sum([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha256":
		sum := sha256.Sum256([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha3", "sha3_256":
		sum := sha3.Sum256([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha3_224":
		sum := sha3.Sum224([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha3_384":
		sum := sha3.Sum384([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "sha3_512":
		sum := sha3.Sum512([]byte(arg.S))
		return Value{hex.EncodeToString(sum[:]), arg.Tainted}
	case "base32":
		n := xparseNum(arg.S, false)
		if n < 0 {
			xerrorf("base32 of negative number %d", n)
		}
		return Value{encodeNum(n, base32lower), arg.Tainted}
	case "base32d":
		n, err := decodeNum(arg.S, base32lower)
		if err != nil {
			xerrorf("base32d: %v", err)
		}
		return Value{strconv.FormatInt(n, 10), arg.Tainted}
	case "base62":
		n := xparseNum(arg.S, false)
		if n < 0 {
			xerrorf("base62 of negative number %d", n)
		}
		s := encodeNum(n, base62alphabet)
		// Fixed width of six digits.
		for len(s) < 6 {
			s = "0" + s
		}
		return Value{s, arg.Tainted}
	case "base62d":
		n, err := decodeNum(arg.S, base62alphabet)
		if err != nil {
			xerrorf("base62d: %v", err)
		}
		return Value{strconv.FormatInt(n, 10), arg.Tainted}
	case "base64", "str2b64":
		return Value{base64.StdEncoding.EncodeToString([]byte(arg.S)), arg.Tainted}
	case "base64d":
		buf, err := base64.StdEncoding.DecodeString(arg.S)
		if err != nil {
			xerrorf("base64d: %v", err)
		}
		return Value{string(buf), arg.Tainted}
	case "hex2b64":
		buf, err := hex.DecodeString(arg.S)
		if err != nil {
			xerrorf("hex2b64: %v", err)
		}
		return Value{base64.StdEncoding.EncodeToString(buf), arg.Tainted}
	case "hexquote":
		var b strings.Builder
		for i := 0; i < len(arg.S); i++ {
			c := arg.S[i]
			if c < 0x21 || c > 0x7e {
				fmt.Fprintf(&b, `\x%02x`, c)
			} else {
				b.WriteByte(c)
			}
		}
		return Value{b.String(), arg.Tainted}
	case "mask":
		pfx, err := netip.ParsePrefix(strings.TrimSpace(arg.S))
		if err != nil {
			xerrorf("mask: %v", err)
		}
		return Value{pfx.Masked().String(), arg.Tainted}
	case "address":
		a, err := mail.ParseAddress(arg.S)
		if err != nil {
			return Value{"", arg.Tainted}
		}
		return Value{a.Address, arg.Tainted}
	case "addresses":
		l, err := mail.ParseAddressList(arg.S)
		if err != nil {
			return Value{"", arg.Tainted}
		}
		var addrs []Value
		for _, a := range l {
			addrs = append(addrs, Value{a.Address, arg.Tainted})
		}
		return joinList(':', addrs)
	case "domain":
		if i := strings.LastIndex(arg.S, "@"); i >= 0 {
			return Value{arg.S[i+1:], arg.Tainted}
		}
		return Value{"", arg.Tainted}
	case "local_part":
		if i := strings.LastIndex(arg.S, "@"); i >= 0 {
			return Value{arg.S[:i], arg.Tainted}
		}
		return Value{arg.S, arg.Tainted}
	case "quote":
		return Value{quoteString(arg.S), arg.Tainted}
	case "quote_local_part":
		return Value{quoteLocalPart(arg.S), arg.Tainted}
	case "rxquote":
		return Value{regexp.QuoteMeta(arg.S), arg.Tainted}
	case "rfc2047":
		return Value{rfc2047Encode(arg.S), arg.Tainted}
	case "rfc2047d":
		dec, err := rfc2047Decoder.DecodeHeader(arg.S)
		if err != nil {
			return arg
		}
		return Value{dec, arg.Tainted}
	case "utf8clean":
		return Value{strings.ToValidUTF8(arg.S, "?"), arg.Tainted}
	case "headerwrap":
		return Value{xheaderWrap(arg.S, 80, 998), arg.Tainted}
	case "reverse_ip":
		return Value{xreverseIP(arg.S), arg.Tainted}
	case "eval":
		n, err := evalExpr(arg.S, false)
		if err != nil {
			xerrorf("eval: %v", err)
		}
		return Value{strconv.FormatInt(n, 10), arg.Tainted}
	case "eval10":
		n, err := evalExpr(arg.S, true)
		if err != nil {
			xerrorf("eval: %v", err)
		}
		return Value{strconv.FormatInt(n, 10), arg.Tainted}
	case "time_interval":
		n := xparseNum(arg.S, false)
		return Value{formatInterval(n), arg.Tainted}
	case "time_eval":
		d, err := parseInterval(strings.TrimSpace(arg.S))
		if err != nil {
			xerrorf("time_eval: %v", err)
		}
		return Value{strconv.FormatInt(d, 10), arg.Tainted}
	case "randint":
		n := xparseNum(arg.S, false)
		if n <= 0 {
			xerrorf("randint needs a positive bound, got %d", n)
		}
		return Value{strconv.FormatInt(rand.Int64N(n), 10), false}
	case "stat":
		xcheckTaint(arg, "file path")
		return Value{xstat(arg.S), false}
	case "escape":
		return Value{escapeBytes(arg.S, false), arg.Tainted}
	case "escape8bit":
		return Value{escapeBytes(arg.S, true), arg.Tainted}
	case "expand":
		return p.subExpandTainted(arg)
	case "listcount":
		_, items := splitList(arg)
		return Value{strconv.Itoa(len(items)), false}
	case "listnamed":
		list, ok := p.st.Config.Lists[strings.TrimPrefix(arg.S, "+")]
		if !ok {
			xerrorf("unknown named list %q", arg.S)
		}
		return Value{S: list}
	}

	// Underscore-parameterized forms.
	if rest, ok := strings.CutPrefix(name, "substr_"); ok {
		start, length := xsplitNumArgs(rest, "substr")
		return substr(arg, start, length)
	}
	if rest, ok := strings.CutPrefix(name, "length_"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			xerrorf("bad length operator %q", name)
		}
		if n < len(arg.S) {
			arg.S = arg.S[:n]
		}
		return arg
	}
	if rest, ok := strings.CutPrefix(name, "hash_"); ok {
		n, m := xsplitNumArgs(rest, "hash")
		mv := -1
		if m != nil {
			mv = *m
		}
		out, ok := computeHash(arg.S, n, mv)
		if !ok {
			xerrorf("bad hash operator %q", name)
		}
		return Value{out, arg.Tainted}
	}
	if rest, ok := strings.CutPrefix(name, "headerwrap_"); ok {
		cols, limit := xsplitNumArgs(rest, "headerwrap")
		lim := 998
		if limit != nil {
			lim = *limit
		}
		if cols <= 0 || lim <= 0 {
			xerrorf("bad headerwrap operator %q", name)
		}
		return Value{xheaderWrap(arg.S, cols, lim), arg.Tainted}
	}
	if rest, ok := strings.CutPrefix(name, "nhash_"); ok {
		n, m := xsplitNumArgs(rest, "nhash")
		mv := -1
		if m != nil {
			mv = *m
		}
		return Value{computeNhash(arg.S, n, mv), arg.Tainted}
	}

	xerrorf("unknown expansion operator %q", name)
	panic("not reached")
}

// xheaderWrap refolds a header value at whitespace so lines stay within cols
// octets where possible. Continuation lines are indented with a tab. A single
// word longer than limit octets makes the expansion fail.
func xheaderWrap(s string, cols, limit int) string {
	var b strings.Builder
	line := 0
	for i, word := range strings.Fields(s) {
		switch {
		case i == 0:
			line = len(word)
		case line+1+len(word) > cols:
			b.WriteString("\n\t")
			line = 1 + len(word)
		default:
			b.WriteString(" ")
			line += 1 + len(word)
		}
		b.WriteString(word)
		if line > limit {
			xerrorf("headerwrap: line longer than %d octets", limit)
		}
	}
	return b.String()
}

// subExpandTainted re-expands an already-expanded value, for ${expand:...}.
func (p *parser) subExpandTainted(v Value) Value {
	sub := parser{st: p.st, s: v.S, tainted: v.Tainted || p.tainted}
	return sub.xparse(false)
}

func xsplitNumArgs(s, what string) (int, *int) {
	t := strings.SplitN(s, "_", 2)
	a, err := strconv.Atoi(t[0])
	if err != nil {
		xerrorf("bad %s operator argument %q", what, s)
	}
	if len(t) == 1 {
		return a, nil
	}
	b, err := strconv.Atoi(t[1])
	if err != nil {
		xerrorf("bad %s operator argument %q", what, s)
	}
	return a, &b
}

// xparseNum parses an integer, honoring 0x hex and leading-zero octal
// (unless decimalOnly) and K/M/G multiplier suffixes.
func xparseNum(s string, decimalOnly bool) int64 {
	n, err := parseNum(s, decimalOnly)
	if err != nil {
		xerrorf("%v", err)
	}
	return n
}

func parseNum(s string, decimalOnly bool) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K', 'k':
			mult = 1024
			s = s[:len(s)-1]
		case 'M', 'm':
			mult = 1024 * 1024
			s = s[:len(s)-1]
		case 'G', 'g':
			mult = 1024 * 1024 * 1024
			s = s[:len(s)-1]
		}
	}
	base := 0
	if decimalOnly {
		base = 10
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), base, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing integer %q: %v", s, err)
	}
	if mult != 1 {
		if n > int64(^uint64(0)>>1)/mult || n < (-int64(^uint64(0)>>1)-1)/mult {
			return 0, fmt.Errorf("integer %q overflows", s)
		}
		n *= mult
	}
	return n, nil
}

const (
	base32lower    = "abcdefghijklmnopqrstuvwxyz234567"
	base62alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	hashCodes      = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func encodeNum(n int64, alphabet string) string {
	if n == 0 {
		return alphabet[:1]
	}
	base := int64(len(alphabet))
	var b []byte
	for n > 0 {
		b = append([]byte{alphabet[n%base]}, b...)
		n /= base
	}
	return string(b)
}

func decodeNum(s string, alphabet string) (int64, error) {
	base := int64(len(alphabet))
	var n int64
	for i := 0; i < len(s); i++ {
		j := strings.IndexByte(alphabet, s[i])
		if j < 0 {
			return 0, fmt.Errorf("bad digit %q", s[i:i+1])
		}
		if n > (int64(^uint64(0)>>1)-int64(j))/base {
			return 0, fmt.Errorf("number %q overflows", s)
		}
		n = n*base + int64(j)
	}
	return n, nil
}

// computeHash folds the subject onto itself with a rotate-xor and maps each
// byte into the first m characters of hashCodes. Not cryptographic; the
// historical algorithm is kept so existing derived values stay stable. A
// subject no longer than n is returned unchanged.
func computeHash(s string, n, m int) (string, bool) {
	if m < 0 {
		m = 26
	}
	if n <= 0 || m <= 0 || m > len(hashCodes) {
		return "", false
	}
	if len(s) <= n {
		return s, true
	}
	buf := []byte(s[:n])
	for i := n; i < len(s); i++ {
		c := s[i]
		j := int(c) % n
		buf[j] = (buf[j]<<1 | buf[j]>>7) ^ c
	}
	for i := range buf {
		buf[i] = hashCodes[int(buf[i])%m]
	}
	return string(buf), true
}

// computeNhash reduces the subject to "a/b" for divisors n and m, or a
// single number modulo n when m is absent.
func computeNhash(s string, n, m int) string {
	var a, b uint32
	for i := 0; i < len(s); i++ {
		a = a*171 + uint32(s[i])
		b = b*159 + uint32(s[i])
	}
	if n <= 0 {
		n = 1
	}
	if m < 0 {
		return strconv.Itoa(int(a % uint32(n)))
	}
	if m == 0 {
		m = 1
	}
	return fmt.Sprintf("%d/%d", a%uint32(n), b%uint32(m))
}

// quoteString quotes a string for use in an address header if it contains
// anything beyond alphanumerics and common safe characters.
func quoteString(s string) string {
	needed := s == ""
	for i := 0; i < len(s) && !needed; i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.IndexByte("!#$%&'*+-/=?^_`{|}~.", c) >= 0) {
			needed = true
		}
	}
	if !needed {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// quoteLocalPart quotes unless the string is already a valid dot-string.
func quoteLocalPart(s string) string {
	needed := s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..")
	for i := 0; i < len(s) && !needed; i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.IndexByte("!#$%&'*+-/=?^_`{|}~.", c) >= 0) {
			needed = true
		}
	}
	if !needed {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func rfc2047Encode(s string) string {
	ascii := true
	for _, c := range s {
		if c > unicode.MaxASCII || c == '\n' || c == '\r' {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	var b strings.Builder
	b.WriteString("=?UTF-8?Q?")
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('_')
		case c >= 0x21 && c <= 0x7e && c != '=' && c != '?' && c != '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	b.WriteString("?=")
	return b.String()
}

func xreverseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		xerrorf("reverse_ip of malformed ip %q", s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0])
	}
	ip = ip.To16()
	var b strings.Builder
	for i := len(ip) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%x.%x", ip[i]&0xf, ip[i]>>4)
	}
	return b.String()
}

func xstat(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		xerrorf("stat %q: %v", path, err)
	}
	var b strings.Builder
	mode := fi.Mode()
	fmt.Fprintf(&b, "mode=%o smode=%s size=%d mtime=%d", uint32(mode.Perm())|statTypeBits(mode), mode.String(), fi.Size(), fi.ModTime().Unix())
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		fmt.Fprintf(&b, " inode=%d uid=%d gid=%d links=%d", st.Ino, st.Uid, st.Gid, st.Nlink)
	}
	return b.String()
}

func statTypeBits(mode fs.FileMode) uint32 {
	switch {
	case mode.IsRegular():
		return 0100000
	case mode.IsDir():
		return 0040000
	case mode&fs.ModeSymlink != 0:
		return 0120000
	}
	return 0
}

func escapeBytes(s string, only8bit bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		printable := c >= 0x20 && c < 0x7f
		if only8bit {
			printable = c < 0x80
		}
		if printable {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String()
}

// formatInterval renders seconds in weeks/days/hours/minutes/seconds form,
// e.g. "1w3d4h".
func formatInterval(n int64) string {
	if n == 0 {
		return "0s"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	units := []struct {
		c byte
		n int64
	}{
		{'w', 7 * 24 * 3600},
		{'d', 24 * 3600},
		{'h', 3600},
		{'m', 60},
		{'s', 1},
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for _, u := range units {
		if n >= u.n {
			fmt.Fprintf(&b, "%d%c", n/u.n, u.c)
			n %= u.n
		}
	}
	return b.String()
}

// parseInterval parses "2d3h" style intervals into seconds.
func parseInterval(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty time interval")
	}
	var total int64
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if start == i || i >= len(s) {
			return 0, fmt.Errorf("malformed time interval %q", s)
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed time interval %q: %v", s, err)
		}
		var mult int64
		switch s[i] {
		case 'w':
			mult = 7 * 24 * 3600
		case 'd':
			mult = 24 * 3600
		case 'h':
			mult = 3600
		case 'm':
			mult = 60
		case 's':
			mult = 1
		default:
			return 0, fmt.Errorf("unknown time unit %q in %q", s[i:i+1], s)
		}
		i++
		total += n * mult
	}
	return total, nil
}

