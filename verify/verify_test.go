package verify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/hintsdb"
	"github.com/mailmoth/moth/host"
	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/smtp"
	"github.com/mailmoth/moth/smtpclient"
)

var ctxbg = context.Background()

func newTestEnv(t *testing.T) {
	t.Helper()
	config.Conf.DataDir = t.TempDir()
	config.Conf.Hints.Path = "callout.db"
	config.Conf.Hints.Expiry = time.Hour
	config.Conf.Callout.ConnectTimeout = 5 * time.Second
	config.Conf.Callout.Timeout = 5 * time.Second
	config.Conf.Callout.OverallTimeout = 30 * time.Second
	config.Conf.Transport.Filter = nil
	d, err := dns.ParseDomain("moth.example")
	if err != nil {
		t.Fatalf("parsing domain: %v", err)
	}
	config.Conf.HostnameDomain = d
	if err := hintsdb.Init(ctxbg); err != nil {
		t.Fatalf("init hints database: %v", err)
	}
	t.Cleanup(func() {
		hintsdb.Close()
		smtpclient.DialHook = nil
		AbandonCutthrough(nil)
	})
}

// smtpServer is a scripted remote SMTP server behind a net.Pipe.
type smtpServer struct {
	mailCode func(from string) int // nil means 250.
	rcptCode func(rcpt string) int
	dataCode int // 0 means 250.
}

func (s *smtpServer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	w := func(line string) {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			panic(err)
		}
	}
	angle := func(line string) string {
		o := strings.Index(line, "<")
		e := strings.LastIndex(line, ">")
		if o < 0 || e < o {
			return ""
		}
		return line[o+1 : e]
	}

	w("220 mx.example")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		u := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(u, "EHLO"):
			w("250-mx.example")
			w("250 SIZE 10485760")
		case strings.HasPrefix(u, "MAIL"):
			code := 250
			if s.mailCode != nil {
				code = s.mailCode(angle(line))
			}
			w(fmt.Sprintf("%d done", code))
		case strings.HasPrefix(u, "RCPT"):
			code := 250
			if s.rcptCode != nil {
				code = s.rcptCode(angle(line))
			}
			w(fmt.Sprintf("%d done", code))
		case u == "RSET":
			w("250 flushed")
		case u == "DATA":
			w("354 go ahead")
			for {
				dl, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
			}
			code := s.dataCode
			if code == 0 {
				code = 250
			}
			w(fmt.Sprintf("%d queued", code))
		case u == "QUIT":
			w("221 bye")
			return
		default:
			w("500 unrecognized")
		}
	}
}

func dialServer(s *smtpServer) {
	smtpclient.DialHook = func(ctx context.Context, dialer smtpclient.Dialer, timeout time.Duration, addr string, laddr net.Addr) (net.Conn, error) {
		client, server := net.Pipe()
		go s.serve(server)
		return client, nil
	}
}

func noDial(t *testing.T) {
	smtpclient.DialHook = func(ctx context.Context, dialer smtpclient.Dialer, timeout time.Duration, addr string, laddr net.Addr) (net.Conn, error) {
		t.Errorf("unexpected dial of %s, verdict should have come from the cache", addr)
		return nil, fmt.Errorf("no dialing in this phase")
	}
}

type routeFunc func(addr smtp.Address) (Route, error)

func (f routeFunc) Route(ctx context.Context, log mlog.Log, addr smtp.Address, isRecipient bool) (Route, error) {
	return f(addr)
}

func testHosts(t *testing.T) []host.Host {
	t.Helper()
	d, err := dns.ParseDomain("mx.example")
	if err != nil {
		t.Fatalf("parsing domain: %v", err)
	}
	return []host.Host{{Name: d, Address: net.ParseIP("1.1.1.1"), Pref: 10}}
}

func calloutRouter(t *testing.T) Router {
	hosts := testHosts(t)
	return routeFunc(func(addr smtp.Address) (Route, error) {
		return Route{Transport: &Transport{Name: "remote", Hosts: hosts}, Callout: true}, nil
	})
}

func TestRouterLoop(t *testing.T) {
	newTestEnv(t)

	addr := func(s string) smtp.Address {
		a, err := smtp.ParseAddress(s)
		if err != nil {
			t.Fatalf("parsing address %q: %v", s, err)
		}
		return a
	}

	// A chain of single-child redirects is followed to the end.
	router := routeFunc(func(a smtp.Address) (Route, error) {
		switch a.String() {
		case "alias@example.com":
			return Route{Children: []smtp.Address{addr("real@example.com")}}, nil
		case "real@example.com":
			return Route{Transport: &Transport{Name: "remote"}}, nil
		}
		return Route{Fail: true, Message: "unknown user"}, nil
	})
	vd := Verify(ctxbg, nil, router, "alias@example.com", Options{})
	if vd.Result != OK {
		t.Fatalf("single-child redirect: %+v", vd)
	}

	// With success_on_redirect the redirect itself verifies.
	vd = Verify(ctxbg, nil, router, "alias@example.com", Options{SuccessOnRedirect: true})
	if vd.Result != OK {
		t.Fatalf("success on redirect: %+v", vd)
	}

	// Unknown addresses fail.
	vd = Verify(ctxbg, nil, router, "nobody@example.com", Options{})
	if vd.Result != Fail {
		t.Fatalf("unroutable: %+v", vd)
	}

	// Fan-out: one failing child fails the whole address.
	fanout := routeFunc(func(a smtp.Address) (Route, error) {
		switch a.String() {
		case "team@example.com":
			return Route{Children: []smtp.Address{addr("real@example.com"), addr("gone@example.com")}}, nil
		case "real@example.com":
			return Route{Transport: &Transport{Name: "remote"}}, nil
		}
		return Route{Fail: true, Message: "unknown user"}, nil
	})
	vd = Verify(ctxbg, nil, fanout, "team@example.com", Options{})
	if vd.Result != Fail {
		t.Fatalf("fan-out with failing child: %+v", vd)
	}

	// A redirect loop runs into the depth bound.
	looping := routeFunc(func(a smtp.Address) (Route, error) {
		return Route{Children: []smtp.Address{a}}, nil
	})
	vd = Verify(ctxbg, nil, looping, "loop@example.com", Options{})
	if vd.Result != Fail {
		t.Fatalf("redirect loop: %+v", vd)
	}
}

func TestCalloutCache(t *testing.T) {
	newTestEnv(t)
	router := calloutRouter(t)

	dialServer(&smtpServer{rcptCode: func(rcpt string) int {
		if rcpt == "user@example.com" {
			return 250
		}
		return 550
	}})

	vd := Verify(ctxbg, nil, router, "gone@example.com", Options{IsRecipient: true})
	if vd.Result != Fail || vd.Code != 550 {
		t.Fatalf("first callout: %+v", vd)
	}
	vd = Verify(ctxbg, nil, router, "user@example.com", Options{IsRecipient: true})
	if vd.Result != OK {
		t.Fatalf("first callout of good address: %+v", vd)
	}

	// Second lookups are served from the cache, no SMTP.
	noDial(t)
	vd = Verify(ctxbg, nil, router, "gone@example.com", Options{IsRecipient: true})
	if vd.Result != Fail || vd.Message != cachedFailureMessage {
		t.Fatalf("cached failure: %+v", vd)
	}
	vd = Verify(ctxbg, nil, router, "user@example.com", Options{IsRecipient: true})
	if vd.Result != OK {
		t.Fatalf("cached success: %+v", vd)
	}

	// Unless caching is disabled.
	dialServer(&smtpServer{rcptCode: func(string) int { return 250 }})
	vd = Verify(ctxbg, nil, router, "gone@example.com", Options{IsRecipient: true, CalloutNoCache: true})
	if vd.Result != OK {
		t.Fatalf("no-cache callout: %+v", vd)
	}
}

func TestCalloutMailFromNull(t *testing.T) {
	newTestEnv(t)
	router := calloutRouter(t)

	dialServer(&smtpServer{mailCode: func(from string) int {
		if from == "" {
			return 550
		}
		return 250
	}})

	vd := Verify(ctxbg, nil, router, "user@example.com", Options{IsRecipient: true})
	if vd.Result != Fail || vd.Class != "mail" {
		t.Fatalf("null sender rejected: %+v", vd)
	}

	// The rejection is remembered per domain.
	noDial(t)
	vd = Verify(ctxbg, nil, router, "other@example.com", Options{IsRecipient: true})
	if vd.Result != Fail || vd.Class != "mail" {
		t.Fatalf("cached null sender rejection: %+v", vd)
	}
}

func TestCalloutRandom(t *testing.T) {
	newTestEnv(t)
	router := calloutRouter(t)

	// A server that accepts any recipient is detected by the random probe and
	// never asked again.
	dialServer(&smtpServer{})
	vd := Verify(ctxbg, nil, router, "anyone@example.com", Options{IsRecipient: true, CalloutRandom: true})
	if vd.Result != OK {
		t.Fatalf("accept-anything server: %+v", vd)
	}
	rec, err := hintsdb.LookupDomain(ctxbg, "example.com")
	if err != nil || rec.RandomResult != hintsdb.ResultAccept {
		t.Fatalf("random verdict not cached: %#v, %v", rec, err)
	}

	noDial(t)
	vd = Verify(ctxbg, nil, router, "whoever@example.com", Options{IsRecipient: true, CalloutRandom: true})
	if vd.Result != OK {
		t.Fatalf("cached accept-anything: %+v", vd)
	}
}

func TestCalloutPostmaster(t *testing.T) {
	newTestEnv(t)
	router := calloutRouter(t)

	dialServer(&smtpServer{rcptCode: func(rcpt string) int {
		if strings.HasPrefix(rcpt, "postmaster") {
			return 550
		}
		return 250
	}})

	opts := Options{IsRecipient: true, PostmasterSender: "pm@moth.example"}
	vd := Verify(ctxbg, nil, router, "user@example.com", opts)
	if vd.Result != Fail || vd.Class != "postmaster" {
		t.Fatalf("postmaster probe: %+v", vd)
	}

	noDial(t)
	vd = Verify(ctxbg, nil, router, "other@example.com", opts)
	if vd.Result != Fail || vd.Class != "postmaster" {
		t.Fatalf("cached postmaster rejection: %+v", vd)
	}
}

func TestQuota(t *testing.T) {
	newTestEnv(t)

	// The child is a script standing in for the re-exec of the serving binary.
	script := filepath.Join(t.TempDir(), "quota")
	err := os.WriteFile(script, []byte("#!/bin/sh\necho '{\"rc\":1,\"class\":\"quota\",\"message\":\"mailbox is full\"}'\n"), 0o755)
	if err != nil {
		t.Fatalf("writing quota script: %v", err)
	}
	executable = func() (string, error) { return script, nil }
	t.Cleanup(func() { executable = os.Executable })

	vd := Verify(ctxbg, nil, nil, "user@example.com", Options{Quota: true})
	if vd.Result != Fail || vd.Class != "quota" || vd.Message != "mailbox is full" {
		t.Fatalf("quota child: %+v", vd)
	}

	// Second check comes from the cache.
	executable = func() (string, error) { return "", fmt.Errorf("should not re-exec") }
	vd = Verify(ctxbg, nil, nil, "user@example.com", Options{Quota: true})
	if vd.Result != Fail || vd.Message != "mailbox is full" {
		t.Fatalf("cached quota verdict: %+v", vd)
	}
}

func TestQuotaChild(t *testing.T) {
	QuotaCheck = func(address string) (bool, string, error) { return true, "", nil }
	t.Cleanup(func() { QuotaCheck = nil })
	var sb strings.Builder
	if err := QuotaChild("user@example.com", &sb); err != nil {
		t.Fatalf("quota child: %v", err)
	}
	if strings.TrimSpace(sb.String()) != `{"rc":0}` {
		t.Fatalf("got %q", sb.String())
	}
}
