package expand

import (
	"fmt"
	"math"
	"strings"
)

// evalExpr evaluates a C-like integer expression for ${eval:...} and
// ${eval10:...}: + - * / % & | ^ ~ << >> with parentheses. Precedence, from
// tightest: unary; * / %; + -; << >>; &; ^; |. With decimalOnly, numbers
// with leading zeros are decimal rather than octal and 0x is not accepted.
func evalExpr(s string, decimalOnly bool) (int64, error) {
	ep := &evalParser{s: s, decimalOnly: decimalOnly}
	n, err := ep.or()
	if err != nil {
		return 0, err
	}
	ep.skipWS()
	if ep.o < len(ep.s) {
		return 0, fmt.Errorf("unexpected %q in expression %q", ep.s[ep.o:], s)
	}
	return n, nil
}

type evalParser struct {
	s           string
	o           int
	decimalOnly bool
}

func (ep *evalParser) skipWS() {
	for ep.o < len(ep.s) && (ep.s[ep.o] == ' ' || ep.s[ep.o] == '\t' || ep.s[ep.o] == '\n') {
		ep.o++
	}
}

func (ep *evalParser) take(tok string) bool {
	ep.skipWS()
	// A shift must not eat the first half of another operator and "<" alone
	// is not an operator here.
	if strings.HasPrefix(ep.s[ep.o:], tok) {
		ep.o += len(tok)
		return true
	}
	return false
}

func (ep *evalParser) or() (int64, error) {
	n, err := ep.xor()
	if err != nil {
		return 0, err
	}
	for {
		ep.skipWS()
		if ep.o < len(ep.s) && ep.s[ep.o] == '|' {
			ep.o++
			m, err := ep.xor()
			if err != nil {
				return 0, err
			}
			n |= m
		} else {
			return n, nil
		}
	}
}

func (ep *evalParser) xor() (int64, error) {
	n, err := ep.and()
	if err != nil {
		return 0, err
	}
	for {
		ep.skipWS()
		if ep.o < len(ep.s) && ep.s[ep.o] == '^' {
			ep.o++
			m, err := ep.and()
			if err != nil {
				return 0, err
			}
			n ^= m
		} else {
			return n, nil
		}
	}
}

func (ep *evalParser) and() (int64, error) {
	n, err := ep.shift()
	if err != nil {
		return 0, err
	}
	for {
		ep.skipWS()
		if ep.o < len(ep.s) && ep.s[ep.o] == '&' {
			ep.o++
			m, err := ep.shift()
			if err != nil {
				return 0, err
			}
			n &= m
		} else {
			return n, nil
		}
	}
}

func (ep *evalParser) shift() (int64, error) {
	n, err := ep.sum()
	if err != nil {
		return 0, err
	}
	for {
		if ep.take("<<") {
			m, err := ep.sum()
			if err != nil {
				return 0, err
			}
			n <<= uint64(m) & 63
		} else if ep.take(">>") {
			m, err := ep.sum()
			if err != nil {
				return 0, err
			}
			n >>= uint64(m) & 63
		} else {
			return n, nil
		}
	}
}

func (ep *evalParser) sum() (int64, error) {
	n, err := ep.term()
	if err != nil {
		return 0, err
	}
	for {
		ep.skipWS()
		if ep.o >= len(ep.s) {
			return n, nil
		}
		switch ep.s[ep.o] {
		case '+':
			ep.o++
			m, err := ep.term()
			if err != nil {
				return 0, err
			}
			n += m
		case '-':
			ep.o++
			m, err := ep.term()
			if err != nil {
				return 0, err
			}
			n -= m
		default:
			return n, nil
		}
	}
}

func (ep *evalParser) term() (int64, error) {
	n, err := ep.unary()
	if err != nil {
		return 0, err
	}
	for {
		ep.skipWS()
		if ep.o >= len(ep.s) {
			return n, nil
		}
		switch ep.s[ep.o] {
		case '*':
			ep.o++
			m, err := ep.unary()
			if err != nil {
				return 0, err
			}
			n *= m
		case '/':
			ep.o++
			m, err := ep.unary()
			if err != nil {
				return 0, err
			}
			if m == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			if n == math.MinInt64 && m == -1 {
				// Coerce instead of trapping.
				n = math.MaxInt64
			} else {
				n /= m
			}
		case '%':
			ep.o++
			m, err := ep.unary()
			if err != nil {
				return 0, err
			}
			if m == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			if n == math.MinInt64 && m == -1 {
				n = 0
			} else {
				n %= m
			}
		default:
			return n, nil
		}
	}
}

func (ep *evalParser) unary() (int64, error) {
	ep.skipWS()
	if ep.o < len(ep.s) {
		switch ep.s[ep.o] {
		case '-':
			ep.o++
			n, err := ep.unary()
			return -n, err
		case '+':
			ep.o++
			return ep.unary()
		case '~':
			ep.o++
			n, err := ep.unary()
			return ^n, err
		}
	}
	return ep.primary()
}

func (ep *evalParser) primary() (int64, error) {
	ep.skipWS()
	if ep.o >= len(ep.s) {
		return 0, fmt.Errorf("unexpected end of expression %q", ep.s)
	}
	if ep.s[ep.o] == '(' {
		ep.o++
		n, err := ep.or()
		if err != nil {
			return 0, err
		}
		ep.skipWS()
		if ep.o >= len(ep.s) || ep.s[ep.o] != ')' {
			return 0, fmt.Errorf("missing ')' in expression %q", ep.s)
		}
		ep.o++
		return n, nil
	}
	start := ep.o
	for ep.o < len(ep.s) && (ep.s[ep.o] >= '0' && ep.s[ep.o] <= '9' ||
		ep.s[ep.o] >= 'a' && ep.s[ep.o] <= 'f' || ep.s[ep.o] >= 'A' && ep.s[ep.o] <= 'F' ||
		ep.s[ep.o] == 'x' || ep.s[ep.o] == 'X' ||
		ep.s[ep.o] == 'K' || ep.s[ep.o] == 'M' || ep.s[ep.o] == 'G' ||
		ep.s[ep.o] == 'k' || ep.s[ep.o] == 'g' || ep.s[ep.o] == 'm') {
		ep.o++
	}
	if start == ep.o {
		return 0, fmt.Errorf("expected number at %q in expression %q", ep.s[ep.o:], ep.s)
	}
	return parseNum(ep.s[start:ep.o], ep.decimalOnly)
}
