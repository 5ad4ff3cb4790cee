package expand

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mailmoth/moth/mlog"
)

func newState() *State {
	return &State{
		Config: &Config{
			PrimaryHostname: "mail.example.org",
			Lists: map[string]string{
				"locals": "example.org : example.net",
			},
		},
		Vars: map[string]Value{
			"local_part":     Tainted("alice"),
			"domain":         Tainted("remote.example"),
			"sender_address": Tainted("bob@remote.example"),
			"tmpl":           String("$domain"),
		},
		Headers: []Header{
			{"Subject", "hello there"},
			{"To", "one@example.org"},
			{"To", "two@example.org"},
			{"X-Raw", "=?UTF-8?Q?caf=C3=A9?="},
		},
	}
}

func TestExpand(t *testing.T) {
	st := newState()

	test := func(source, exp string) {
		t.Helper()
		v, err := Expand(String(source), st)
		if err != nil {
			t.Fatalf("expanding %q: %s", source, err)
		}
		if v.S != exp {
			t.Fatalf("expanding %q: got %q, expected %q", source, v.S, exp)
		}
	}
	testErr := func(source string, expErr error) {
		t.Helper()
		_, err := Expand(String(source), st)
		if !errors.Is(err, expErr) {
			t.Fatalf("expanding %q: got %v, expected %v", source, err, expErr)
		}
	}
	testHardErr := func(source string) {
		t.Helper()
		_, err := Expand(String(source), st)
		var xerr Error
		if err == nil || !errors.As(err, &xerr) {
			t.Fatalf("expanding %q: got %v, expected hard error", source, err)
		}
	}

	// Literals and variables.
	test("", "")
	test("plain text", "plain text")
	test("$local_part@$domain", "alice@remote.example")
	test("${domain}", "remote.example")
	test(`\N$notavar{\N`, "$notavar{")
	test(`a\tb`, "a\tb")
	test(`\101\x42c`, "ABc")
	testHardErr("$nosuchvariable")
	testHardErr("${uc:unclosed")

	// Operators.
	test("Hello ${uc:world}!", "Hello WORLD!")
	test("${lc:ABC}", "abc")
	test("${length:abcde}", "5")
	test("${length_3:abcde}", "abc")
	test("${substr_1_2:abcd}", "bc")
	test("${substr_-2_2:abcd}", "cd")
	test("${md5:}", "d41d8cd98f00b204e9800998ecf8427e")
	test("${sha1:}", "da39a3ee5e6b4b0d3255bfef95601890afd80709")
	test("${base64:hi}", "aGk=")
	test("${base64d:aGk=}", "hi")
	test("${hex2b64:6869}", "aGk=")
	test("${base62:1000}", "0000G8")
	test("${base62d:0000G8}", "1000")
	test("${base32:10}", "k")
	test("${base32d:k}", "10")
	test("${mask:192.168.10.206/28}", "192.168.10.192/28")
	test("${domain:bob@remote.example}", "remote.example")
	test("${local_part:bob@remote.example}", "bob")
	test("${address:Bob Example <bob@remote.example>}", "bob@remote.example")
	test("${rxquote:a.b*c}", `a\.b\*c`)
	test("${reverse_ip:192.0.2.5}", "5.2.0.192")
	test("${time_interval:90061}", "1d1h1m1s")
	test("${time_eval:2d4h}", "187200")
	test("${quote:plain}", "plain")
	test(`${quote:white space}`, `"white space"`)
	test("${utf8clean:ok}", "ok")
	test("${escape:a\x01b}", `a\x01b`)
	test("${expand:$tmpl}", "remote.example")
	test("${headerwrap_9:one two three}", "one two\n\tthree")
	test("${headerwrap:short value}", "short value")
	testHardErr("${headerwrap_5_8:atoolongword}")
	test("${listcount:a:b:c}", "3")
	test("${listnamed:locals}", "example.org : example.net")

	// Eval.
	test("${eval: (1 + 2) * 3 + 0x10}", "25")
	test("${eval:10/3}", "3")
	test("${eval:2<<4}", "32")
	test("${eval:6&3}", "2")
	test("${eval:6|3}", "7")
	test("${eval:6^3}", "5")
	test("${eval:~0}", "-1")
	test("${eval:1K}", "1024")
	test("${eval10:010+5}", "15")
	testHardErr("${eval:1/0}")

	// Conditions.
	test("${if eq{a}{a}{y}{n}}", "y")
	test("${if eq{a}{b}{y}{n}}", "n")
	test("${if eq{a}{a}}", "true")
	test("${if !eq{a}{b}{y}{n}}", "y")
	test("${if eqi{ABC}{abc}{y}{n}}", "y")
	test("${if >{2K}{1000}{y}{n}}", "y")
	test("${if <={3}{3}{y}{n}}", "y")
	test("${if def:local_part{y}{n}}", "y")
	test("${if def:h_subject{y}{n}}", "y")
	test("${if def:h_nosuch{y}{n}}", "n")
	test("${if isip4{1.2.3.4}{y}{n}}", "y")
	test("${if isip6{1.2.3.4}{y}{n}}", "n")
	test("${if isip{::1}{y}{n}}", "y")
	test("${if bool{yes}{y}{n}}", "y")
	test("${if bool_lax{whatever}{y}{n}}", "y")
	test("${if and{{eq{a}{a}}{eq{b}{b}}}{y}{n}}", "y")
	test("${if or{{eq{a}{b}}{eq{b}{b}}}{y}{n}}", "y")
	test("${if inlist{b}{a:b:c}{y}{n}}", "y")
	test("${if inlisti{B}{a:b:c}{y}{n}}", "y")
	test("${if forany{1:2:3}{>{$item}{2}}{y}{n}}", "y")
	test("${if forall{1:2:3}{>{$item}{0}}{y}{n}}", "y")
	test("${if forany_json{[1,5]}{>{$item}{4}}{y}{n}}", "y")
	test("${if match_domain{sub.example.com}{*.example.com : other.com}{y}{n}}", "y")
	test("${if match_domain{example.net}{+locals}{y}{n}}", "y")
	test("${if match_domain{bad.example}{!bad.example : *}{y}{n}}", "n")
	test("${if match_address{bob@remote.example}{*@remote.example}{y}{n}}", "y")
	test("${if match_ip{192.0.2.7}{192.0.2.0/24}{y}{n}}", "y")
	test("${if match_local_part{alice}{al*}{y}{n}}", "y")
	test("${if crypteq{password}{{md5}5f4dcc3b5aa765d61d8327deb882cf99}{y}{n}}", "y")
	testErr("${if eq{a}{b}{y}fail}", ErrForced)
	testHardErr("${if crypteq{x}{{crypt16}abc}{y}{n}}")

	// Regex match and captures.
	test(`${if match{abc-42}{(\w+)-(\d+)}{$2:$1}}`, "42:abc")
	// A nested match does not clobber the outer captures once its item ends.
	test(`${if match{x-1}{(x)-(1)}{${if match{zz}{(z)(z)}{}{}}$1}{}}`, "x")

	// Items.
	test("${extract{2}{:}{a:b:c}}", "b")
	test("${extract{B}{A=1 B=2}}", "2")
	test(`${extract{b}{a=1 b="x y"}}`, "x y")
	test(`${extract json{b}{ {"a": 1, "b": "x"} }}`, `"x"`)
	test(`${extract jsons{b}{ {"a": 1, "b": "x"} }}`, "x")
	test(`${extract jsons{2}{ ["p", "q"] }}`, "q")
	test("${extract{nosuch}{a=1}{$value}{missing}}", "missing")
	test("${listextract{2}{a:b:c}}", "b")
	test("${listextract{-1}{a:b:c}}", "c")
	test("${filter{1:2:3}{>{$item}{1}}}", "2:3")
	test("${map{a:b}{[$item]}}", "[a]:[b]")
	test("${reduce{1:2:3}{0}{${eval:$value+$item}}}", "6")
	test("${sort{3:1:2}{<}{$item}}", "1:2:3")
	test("${sort{c:a:b}{lt}{$item}}", "a:b:c")
	test("${length{3}{abcde}}", "abc")
	test("${substr{1}{2}{abcd}}", "bc")
	test("${hash{10}{short}}", "short")
	test("${tr{abcdea}{ab}{xy}}", "xycdex")
	test("${sg{abcabc}{b}{-}}", "a-ca-c")
	test("${listquote{,}{a,b}}", "a,,b")
	test("${imapfolder{Sent}}", "Sent")
	test("${imapfolder{Entwürfe}}", "Entw&APw-rfe")
	test("${imapfolder{a&b}}", "a&-b")
	testHardErr("${nosuchitem{x}}")

	// Authentication-Results: nothing authenticated yet, then an
	// authenticated session with a verified reverse lookup.
	test("${authresults{$primary_hostname}}", "Authentication-Results: mail.example.org; none")
	st.Vars["authenticated_id"] = Tainted("alice")
	st.Vars["sender_host_authenticated"] = String("plain")
	st.Vars["sender_host_name"] = Tainted("host.remote.example")
	st.Vars["sender_host_address"] = String("192.0.2.5")
	test("${authresults{$primary_hostname}}", "Authentication-Results: mail.example.org;\n\tauth=pass (plain) smtp.auth=alice;\n\tiprev=pass (host.remote.example) smtp.remote-ip=192.0.2.5")

	// Headers: repeated address headers joined with a comma, 2047 decoding.
	test("$h_subject:", "hello there")
	test("${h_to:}", "one@example.org,two@example.org")
	test("$h_x-raw:", "café")
	test("$rh_x-raw:", "=?UTF-8?Q?caf=C3=A9?=")

	// Hash item and operator agree.
	if out, ok := computeHash("supercalifragilistic", 8, 26); !ok || len(out) != 8 {
		t.Fatalf("computeHash: got %q, %v", out, ok)
	}
	test("${hash_8:supercalifragilistic}", func() string { s, _ := computeHash("supercalifragilistic", 8, 26); return s }())
	if s := computeNhash("abc", 8, 10); !regexp.MustCompile(`^[0-7]/[0-9]$`).MatchString(s) {
		t.Fatalf("computeNhash: got %q", s)
	}

	// hmac.
	mac := hmac.New(md5.New, []byte("key"))
	mac.Write([]byte("data"))
	test("${hmac{md5}{key}{data}}", hex.EncodeToString(mac.Sum(nil)))
}

func TestExpandTaint(t *testing.T) {
	st := newState()

	// Taint propagates through substitution and operators.
	v, err := Expand(String("${uc:$local_part}"), st)
	if err != nil || !v.Tainted {
		t.Fatalf("got %+v, %v, expected tainted value", v, err)
	}
	// Constants stay untainted.
	v, err = Expand(String("${uc:abc}"), st)
	if err != nil || v.Tainted {
		t.Fatalf("got %+v, %v, expected untainted value", v, err)
	}
	// A tainted source taints the whole result.
	v, err = Expand(Tainted("plain"), st)
	if err != nil || !v.Tainted {
		t.Fatalf("got %+v, %v, expected tainted value", v, err)
	}

	// Tainted values must not reach file paths or commands.
	if _, err := Expand(String("${readfile{/etc/$domain}}"), st); !errors.Is(err, ErrTainted) {
		t.Fatalf("readfile of tainted path: got %v, expected ErrTainted", err)
	}
	if _, err := Expand(String("${if exists{/tmp/$local_part}{y}{n}}"), st); !errors.Is(err, ErrTainted) {
		t.Fatalf("exists of tainted path: got %v, expected ErrTainted", err)
	}
	if _, err := Expand(String("${run{$local_part}}"), st); !errors.Is(err, ErrTainted) {
		t.Fatalf("run of tainted command: got %v, expected ErrTainted", err)
	}
}

func TestExpandIdentity(t *testing.T) {
	// A source without '$' or '\' comes back unchanged.
	st := newState()
	source := "no dollars {or braces} here }"
	v, err := Expand(String(source), st)
	if err != nil || v.S != source {
		t.Fatalf("got %q, %v, expected identity", v.S, err)
	}
}

func TestExpandLookup(t *testing.T) {
	st := newState()

	dir := t.TempDir()
	path := filepath.Join(dir, "aliases")
	if err := os.WriteFile(path, []byte("# aliases\nalice: amiss\nbob: bliss\n\tand more\n"), 0o600); err != nil {
		t.Fatalf("writing lookup file: %s", err)
	}

	v, err := Expand(String("${lookup{bob} lsearch{"+path+"}{[$value]}{none}}"), st)
	if err != nil {
		t.Fatalf("lookup: %s", err)
	}
	if v.S != "[bliss\nand more]" {
		t.Fatalf("lookup: got %q", v.S)
	}
	// Lookup results come from file contents and are tainted.
	if !v.Tainted {
		t.Fatalf("lookup result not tainted")
	}

	// Default yes arm is the value itself.
	v, err = Expand(String("${lookup{alice} lsearch{"+path+"}}"), st)
	if err != nil || v.S != "amiss" {
		t.Fatalf("lookup default arm: got %q, %v", v.S, err)
	}

	// Miss with a fail token forces failure; the caller sees no output.
	_, err = Expand(String("${lookup{nosuch} lsearch{"+path+"}{$value}fail}"), st)
	if !errors.Is(err, ErrForced) {
		t.Fatalf("lookup miss with fail: got %v, expected ErrForced", err)
	}

	// Same for /dev/null, which is empty.
	_, err = Expand(String("${lookup{nosuch} lsearch{/dev/null}{$value}fail}"), st)
	if !errors.Is(err, ErrForced) {
		t.Fatalf("lookup miss in /dev/null: got %v, expected ErrForced", err)
	}

	// Custom lookup types plug in by name, and their errors defer.
	st.Config.Lookups = map[string]LookupFunc{
		"fixed": func(log mlog.Log, key Value, target Value) (Value, bool, error) {
			if key.S == "present" {
				return Tainted("hit:" + target.S), true, nil
			}
			if key.S == "broken" {
				return Value{}, false, errors.New("backend unreachable")
			}
			return Value{}, false, nil
		},
	}
	v, err = Expand(String("${lookup{present} fixed{t}{$value}{none}}"), st)
	if err != nil || v.S != "hit:t" {
		t.Fatalf("custom lookup: got %q, %v", v.S, err)
	}
	var derr DeferError
	if _, err := Expand(String("${lookup{broken} fixed{t}{$value}{none}}"), st); !errors.As(err, &derr) {
		t.Fatalf("broken lookup: got %v, expected DeferError", err)
	}
}

func TestExpandRun(t *testing.T) {
	st := newState()
	v, err := Expand(String("${run{/bin/echo hi}}"), st)
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if v.S != "hi\n" || !v.Tainted {
		t.Fatalf("run: got %+v", v)
	}
	test := func(source, exp string) {
		t.Helper()
		v, err := Expand(String(source), st)
		if err != nil || v.S != exp {
			t.Fatalf("expanding %q: got %q, %v", source, v.S, err)
		}
	}
	test("${run{/bin/sh -c 'exit 3'}{ok}{rc=$runrc}}", "rc=3")
	test("${run{/bin/echo hi}{ok}{bad}}", "ok")
	if _, err := Expand(String("${run{/bin/sh -c 'exit 1'}}"), st); !errors.Is(err, ErrForced) {
		t.Fatalf("run nonzero without arms: got %v, expected ErrForced", err)
	}
}

func TestExpandReadfileEnv(t *testing.T) {
	st := newState()
	dir := t.TempDir()
	path := filepath.Join(dir, "motd")
	if err := os.WriteFile(path, []byte("line1\nline2\n"), 0o600); err != nil {
		t.Fatalf("writing file: %s", err)
	}
	v, err := Expand(String("${readfile{"+path+"}{; }}"), st)
	if err != nil || v.S != "line1; line2" {
		t.Fatalf("readfile: got %q, %v", v.S, err)
	}
	if !v.Tainted {
		t.Fatalf("readfile result not tainted")
	}

	os.Setenv("MOTH_TEST_ENV", "setvalue")
	defer os.Unsetenv("MOTH_TEST_ENV")
	v, err = Expand(String("${env{MOTH_TEST_ENV}{[$value]}{unset}}"), st)
	if err != nil || v.S != "[setvalue]" {
		t.Fatalf("env: got %q, %v", v.S, err)
	}
	v, err = Expand(String("${env{MOTH_TEST_NOSUCH}{[$value]}{unset}}"), st)
	if err != nil || v.S != "unset" {
		t.Fatalf("env miss: got %q, %v", v.S, err)
	}
}

func TestExpandSRSPrvs(t *testing.T) {
	st := newState()
	v, err := Expand(String("${srs_encode{sec}{user@orig.example}{fwd.example}}"), st)
	if err != nil {
		t.Fatalf("srs_encode: %s", err)
	}
	if !strings.HasPrefix(v.S, "SRS0=") || !strings.HasSuffix(v.S, "@fwd.example") {
		t.Fatalf("srs_encode: got %q", v.S)
	}
	local := strings.TrimSuffix(v.S, "@fwd.example")
	v, err = Expand(String("${if inbound_srs{"+local+"}{sec}{$srs_recipient}{bad}}"), st)
	if err != nil || v.S != "user@orig.example" {
		t.Fatalf("inbound_srs: got %q, %v", v.S, err)
	}

	// Empty return path stays empty.
	v, err = Expand(String("${srs_encode{sec}{}{fwd.example}}"), st)
	if err != nil || v.S != "" {
		t.Fatalf("srs_encode of empty sender: got %q, %v", v.S, err)
	}

	tagged, err := Expand(String("${prvs{user@example.org}{batvkey}}"), st)
	if err != nil {
		t.Fatalf("prvs: %s", err)
	}
	v, err = Expand(String("${prvscheck{"+tagged.S+"}{batvkey}{$prvscheck_result/$prvscheck_address}}"), st)
	if err != nil || v.S != "1/user@example.org" {
		t.Fatalf("prvscheck: got %q, %v", v.S, err)
	}
	v, err = Expand(String("${prvscheck{"+tagged.S+"}{wrongkey}{$prvscheck_result}}"), st)
	if err != nil || v.S != "" {
		t.Fatalf("prvscheck with wrong key: got %q, %v", v.S, err)
	}
}

func TestExpandACLDlfunc(t *testing.T) {
	st := newState()
	st.Config.ACL = func(log mlog.Log, name string, args []Value) (Value, bool, error) {
		if name == "check_rcpt" && len(args) == 1 {
			return String("checked " + args[0].S), args[0].S != "bad", nil
		}
		return Value{}, false, errors.New("no such acl")
	}
	st.Config.Funcs = map[string]func(log mlog.Log, args []Value) (Value, error){
		"upper": func(log mlog.Log, args []Value) (Value, error) {
			return String(strings.ToUpper(args[0].S)), nil
		},
	}

	v, err := Expand(String("${acl{check_rcpt}{addr}}"), st)
	if err != nil || v.S != "checked addr" {
		t.Fatalf("acl item: got %q, %v", v.S, err)
	}
	if _, err := Expand(String("${acl{check_rcpt}{bad}}"), st); !errors.Is(err, ErrForced) {
		t.Fatalf("denying acl item: got %v, expected ErrForced", err)
	}
	v, err = Expand(String("${if acl{{check_rcpt}{addr}}{y}{n}}"), st)
	if err != nil || v.S != "y" {
		t.Fatalf("acl condition: got %q, %v", v.S, err)
	}
	v, err = Expand(String("${dlfunc{upper}{abc}}"), st)
	if err != nil || v.S != "ABC" {
		t.Fatalf("dlfunc: got %q, %v", v.S, err)
	}
}

func TestExpandTime(t *testing.T) {
	orig := timeNow
	timeNow = func() time.Time { return time.Date(2024, 3, 1, 13, 14, 15, 0, time.UTC) }
	defer func() { timeNow = orig }()

	st := newState()
	test := func(source, exp string) {
		t.Helper()
		v, err := Expand(String(source), st)
		if err != nil || v.S != exp {
			t.Fatalf("expanding %q: got %q, %v", source, v.S, err)
		}
	}
	test("$tod_log", "2024-03-01 13:14:15")
	test("$tod_logfile", "20240301")
	test("$tod_zulu", "20240301131415Z")
}
