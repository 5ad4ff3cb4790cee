package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var ctxbg = context.Background()

func frame(t *testing.T, msg *Message, opts Options) string {
	t.Helper()
	var sb strings.Builder
	n, err := WriteMessage(ctxbg, nil, &sb, msg, opts)
	if err != nil {
		t.Fatalf("write message: %v", err)
	}
	if int(n) != sb.Len() {
		t.Fatalf("size %d, wrote %d bytes", n, sb.Len())
	}
	return sb.String()
}

func TestDotStuffing(t *testing.T) {
	opts := Options{Check: ".", Escape: "..", CRLF: true, EndDot: true}
	msg := &Message{Body: strings.NewReader("line\n.\n.hidden\n..already\n")}
	got := frame(t, msg, opts)
	want := "line\r\n..\r\n..hidden\r\n...already\r\n.\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Unstuffing must reproduce any body exactly.
	bodies := []string{
		"",
		".",
		".\n",
		"a\n.b\n..c\n...d\n",
		"no trailing newline",
		strings.Repeat(".", 100) + "\n.\n",
	}
	for _, body := range bodies {
		got := frame(t, &Message{Body: strings.NewReader(body)}, opts)
		if !strings.HasSuffix(got, ".\r\n") {
			t.Fatalf("missing terminating dot in %q", got)
		}
		var lines []string
		for _, line := range strings.Split(got, "\r\n") {
			if line == "." {
				break
			}
			lines = append(lines, strings.TrimPrefix(line, "."))
		}
		back := strings.Join(lines, "\n")
		expect := body
		if strings.HasSuffix(expect, "\n") {
			back += "\n"
		} else if back != "" && !strings.HasSuffix(expect, "\n") {
			// Unterminated final line gained a line ending on the wire.
			expect += "\n"
			back += "\n"
		}
		if back != expect {
			t.Fatalf("round trip of %q: got %q", body, back)
		}
	}
}

func TestFromHack(t *testing.T) {
	opts := Options{Check: "From ", Escape: ">From "}
	msg := &Message{Body: strings.NewReader("From here\nFrom\nmid From \n")}
	got := frame(t, msg, opts)
	want := ">From here\nFrom\nmid From \n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// A partial match at the end of the stream is flushed, not dropped.
	msg = &Message{Body: strings.NewReader("From")}
	if got := frame(t, msg, opts); got != "From" {
		t.Fatalf("got %q", got)
	}
}

func TestCRLF(t *testing.T) {
	msg := &Message{Body: strings.NewReader("bare\nalready\r\nmixed\n")}
	got := frame(t, msg, Options{CRLF: true})
	if got != "bare\r\nalready\r\nmixed\r\n" {
		t.Fatalf("got %q", got)
	}
	// Without conversion the body passes through unchanged.
	msg = &Message{Body: strings.NewReader("bare\nalready\r\nmixed\n")}
	if got := frame(t, msg, Options{}); got != "bare\nalready\r\nmixed\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHeaders(t *testing.T) {
	msg := &Message{
		ReturnPath:   "sender@example.com",
		DeliveryDate: time.Date(2024, 2, 3, 12, 0, 0, 0, time.UTC),
		Headers: []Header{
			{Name: "Subject", Value: " hello"},
			{Name: "X-Spam", Value: " yes"},
			{Name: "X-Old", Value: " gone", Old: true},
			{Name: "Received", Value: " one\n by two"},
		},
		Body: strings.NewReader("body\n"),
	}
	opts := Options{
		AddReturnPath:   true,
		AddDeliveryDate: true,
		RemoveHeaders:   "x-spam:${drop}",
		AddHeaders:      "X-Transport: ${name}\n",
		Expand: func(s string) (string, error) {
			s = strings.ReplaceAll(s, "${drop}", "")
			return strings.ReplaceAll(s, "${name}", "out"), nil
		},
	}
	got := frame(t, msg, opts)
	want := "Return-path: <sender@example.com>\n" +
		"Delivery-date: Sat, 03 Feb 2024 12:00:00 +0000\n" +
		"Subject: hello\n" +
		"Received: one\n by two\n" +
		"X-Transport: out\n" +
		"\n" +
		"body\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEnvelopeTo(t *testing.T) {
	orig := &Address{Address: "list@example.com"}
	a := &Address{Address: "alice@example.com", Parent: orig}
	b := &Address{Address: "bob@example.com", Parent: orig}
	plain := &Address{Address: "carol@example.com"}

	msg := &Message{
		Recipients: []*Address{a, b, plain, plain},
		Body:       strings.NewReader(""),
	}
	got := frame(t, msg, Options{AddEnvelopeTo: true})
	want := "Envelope-to: list@example.com,\n carol@example.com\n\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLineLengthAndSizeLimit(t *testing.T) {
	long := strings.Repeat("x", maxLineOctets+50)
	msg := &Message{Body: strings.NewReader(long + "\nshort\n")}
	got := frame(t, msg, Options{MaxLineLength: true})
	lines := strings.Split(got, "\n")
	if len(lines[0]) != maxLineOctets || lines[1] != "short" {
		t.Fatalf("truncation: line lengths %d, %q", len(lines[0]), lines[1])
	}

	msg = &Message{Body: strings.NewReader(strings.Repeat("y", 100))}
	var sb strings.Builder
	_, err := WriteMessage(ctxbg, nil, &sb, msg, Options{SizeLimit: 50})
	if !errors.Is(err, ErrSize) {
		t.Fatalf("size limit: %v", err)
	}
}

func TestFilter(t *testing.T) {
	msg := &Message{Body: strings.NewReader(".\nbody\n")}
	opts := Options{
		Check:         ".",
		Escape:        "..",
		CRLF:          true,
		EndDot:        true,
		Filter:        []string{"cat"},
		FilterTimeout: 10 * time.Second,
	}
	got := frame(t, msg, opts)
	if got != "..\r\nbody\r\n.\r\n" {
		t.Fatalf("got %q", got)
	}

	var sb strings.Builder
	_, err := WriteMessage(ctxbg, nil, &sb, &Message{Body: strings.NewReader("x")}, Options{Filter: []string{"/nonexistent/filter"}})
	if err == nil {
		t.Fatalf("starting nonexistent filter did not fail")
	}
}
