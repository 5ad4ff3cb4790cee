// Package transport frames an outgoing message for an SMTP-like writer:
// optional Return-path/Envelope-to/Delivery-date headers, header removal and
// addition with expansion, dot-stuffing, LF to CRLF conversion, a terminating
// dot, and an optional filter child process through which the unframed
// message is piped first.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"log/slog"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/mlog"
)

// Address is an envelope recipient. Parent points at the address this one was
// generated from, e.g. through an alias, forming a tree back to the addresses
// of the original envelope.
type Address struct {
	Address string
	Parent  *Address
}

// Header is one message header field, in order of appearance. Value is the
// text after the colon including any leading space, with \n-separated
// continuation lines for folded headers.
type Header struct {
	Name  string
	Value string
	Old   bool // Rewritten or removed earlier in processing, not transmitted.
}

// Message is the material WriteMessage frames.
type Message struct {
	ReturnPath   string // Envelope sender, empty for bounces.
	Recipients   []*Address
	DeliveryDate time.Time
	Headers      []Header
	Body         io.Reader // Lines may end in bare LF.
}

// Options control the framing. The zero value writes headers and body
// unmodified.
type Options struct {
	AddReturnPath   bool
	AddEnvelopeTo   bool
	AddDeliveryDate bool

	RemoveHeaders string // Colon-separated header names, each expanded.
	AddHeaders    string // Newline-separated header lines, expanded as a whole.

	Check         string // See Writer.
	Escape        string
	CRLF          bool
	MaxLineLength bool
	EndDot        bool  // Emit CRLF.CRLF after the body, for DATA.
	SizeLimit     int64

	Filter        []string // Filter command, unframed message goes through its stdin/stdout.
	FilterTimeout time.Duration

	// Expand is applied to RemoveHeaders items and AddHeaders. Nil leaves
	// them as-is.
	Expand func(s string) (string, error)
}

// DefaultOptions returns framing options for SMTP DATA per the transport
// configuration.
func DefaultOptions() Options {
	t := config.Conf.Transport
	return Options{
		Check:         t.CheckString,
		Escape:        t.EscapeString,
		CRLF:          true,
		MaxLineLength: t.MaxLineLength,
		EndDot:        true,
		SizeLimit:     t.MessageSizeLimit,
		Filter:        t.Filter,
		FilterTimeout: t.FilterTimeout,
	}
}

// WriteMessage writes msg to w framed per opts, returning the number of bytes
// written. With a size limit, ErrSize is returned as soon as the limit would
// be passed.
func WriteMessage(ctx context.Context, elog *slog.Logger, w io.Writer, msg *Message, opts Options) (int64, error) {
	log := mlog.New("transport", elog)

	expandStr := func(s string) (string, error) {
		if opts.Expand == nil {
			return s, nil
		}
		return opts.Expand(s)
	}

	xw := &Writer{
		writer:        w,
		Check:         opts.Check,
		Escape:        opts.Escape,
		CRLF:          opts.CRLF,
		MaxLineLength: opts.MaxLineLength,
		Limit:         opts.SizeLimit,
	}
	xw.atStart = true

	var werr error
	wroteHeader := false
	write := func(s string) {
		if werr == nil {
			_, werr = io.WriteString(xw, s)
		}
	}
	writeHeader := func(s string) {
		wroteHeader = true
		write(s)
	}

	if opts.AddReturnPath {
		writeHeader(fmt.Sprintf("Return-path: <%s>\n", msg.ReturnPath))
	}
	if opts.AddEnvelopeTo && len(msg.Recipients) > 0 {
		if l := originalRecipients(msg.Recipients); len(l) > 0 {
			writeHeader("Envelope-to: " + strings.Join(l, ",\n ") + "\n")
		}
	}
	if opts.AddDeliveryDate && !msg.DeliveryDate.IsZero() {
		writeHeader("Delivery-date: " + msg.DeliveryDate.Format("Mon, 02 Jan 2006 15:04:05 -0700") + "\n")
	}

	remove := map[string]bool{}
	if opts.RemoveHeaders != "" {
		for _, item := range strings.Split(opts.RemoveHeaders, ":") {
			item, err := expandStr(item)
			if err != nil {
				return xw.Size, fmt.Errorf("expanding remove_headers item: %w", err)
			}
			if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
				remove[item] = true
			}
		}
	}

	for _, h := range msg.Headers {
		if h.Old || remove[strings.ToLower(h.Name)] {
			continue
		}
		writeHeader(h.Name + ":" + h.Value + "\n")
	}

	if opts.AddHeaders != "" {
		add, err := expandStr(opts.AddHeaders)
		if err != nil {
			return xw.Size, fmt.Errorf("expanding headers_add: %w", err)
		}
		for _, line := range strings.Split(add, "\n") {
			if line != "" {
				writeHeader(line + "\n")
			}
		}
	}

	// The blank separator only belongs after headers. A raw relay of a
	// complete message must pass through untouched.
	if wroteHeader {
		write("\n")
	}
	if werr != nil {
		return xw.Size, werr
	}

	body := msg.Body
	if len(opts.Filter) > 0 {
		fr, err := startFilter(ctx, log, opts.Filter, body, opts.FilterTimeout)
		if err != nil {
			return xw.Size, fmt.Errorf("starting transport filter: %w", err)
		}
		defer func() {
			if err := fr.Close(); err != nil {
				log.Errorx("closing transport filter", err)
			}
		}()
		body = fr
	}
	if body != nil {
		if _, err := io.Copy(xw, body); err != nil {
			return xw.Size, err
		}
	}
	if err := xw.Flush(); err != nil {
		return xw.Size, err
	}

	if opts.EndDot {
		if !xw.AtLineStart() {
			if _, err := io.WriteString(xw.writer, "\r\n"); err != nil {
				return xw.Size, err
			}
			xw.Size += 2
		}
		if _, err := io.WriteString(xw.writer, ".\r\n"); err != nil {
			return xw.Size, err
		}
		xw.Size += 3
	}
	return xw.Size, nil
}

// MessageSize computes the framed size of msg without transmitting it, for
// BDAT where the peer needs the exact byte count up front. The caller must
// provide a rewindable body and reset it before the real write.
func MessageSize(ctx context.Context, elog *slog.Logger, msg *Message, opts Options) (int64, error) {
	return WriteMessage(ctx, elog, io.Discard, msg, opts)
}

// originalRecipients walks each recipient up to the address of the original
// envelope it descends from, deduplicating both the nodes visited and the
// addresses printed.
func originalRecipients(l []*Address) []string {
	var out []string
	printed := map[string]bool{}
	processed := map[*Address]bool{}
	var walk func(a *Address)
	walk = func(a *Address) {
		if a == nil || processed[a] {
			return
		}
		processed[a] = true
		if a.Parent != nil {
			walk(a.Parent)
			return
		}
		if !printed[a.Address] {
			printed[a.Address] = true
			out = append(out, a.Address)
		}
	}
	for _, a := range l {
		walk(a)
	}
	return out
}

// filterReader reads the stdout of a running filter command, applying the
// configured timeout to each read.
type filterReader struct {
	r       *os.File
	cmd     *exec.Cmd
	timeout time.Duration
	log     mlog.Log
	stderr  *strings.Builder
}

func startFilter(ctx context.Context, log mlog.Log, argv []string, body io.Reader, timeout time.Duration) (*filterReader, error) {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = body
	cmd.Stdout = pw
	var stderr strings.Builder
	cmd.Stderr = &stderr
	log.Debug("starting transport filter", slog.Any("argv", argv))
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// Close our copy of the write end so reads see EOF when the child exits.
	pw.Close()
	return &filterReader{r: pr, cmd: cmd, timeout: timeout, log: log, stderr: &stderr}, nil
}

func (fr *filterReader) Read(p []byte) (int, error) {
	if err := fr.r.SetReadDeadline(time.Now().Add(fr.timeout)); err != nil {
		return 0, err
	}
	return fr.r.Read(p)
}

// Close reaps the filter child. A non-zero exit becomes an error, with the
// child's stderr attached for diagnostics.
func (fr *filterReader) Close() error {
	fr.r.Close()
	err := fr.cmd.Wait()
	if err != nil && fr.stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(fr.stderr.String()))
	}
	return err
}
