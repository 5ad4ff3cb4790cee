package verify

import (
	"context"
	"errors"
	"io"
	"sync"

	"log/slog"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/mothio"
	"github.com/mailmoth/moth/smtpclient"
	"github.com/mailmoth/moth/transport"
)

// ErrNoCutthrough is returned by cutthrough operations when no session is
// being held.
var ErrNoCutthrough = errors.New("verify: no cutthrough session")

// The process-wide cutthrough session: a verification callout connection kept
// open, with MAIL FROM and one or more accepted RCPT TO already issued, to be
// finished with the actual message instead of queueing it. At most one exists
// at a time.
var cutthrough struct {
	sync.Mutex
	session *cutthroughSession
}

type cutthroughSession struct {
	client   *smtpclient.Client
	peer     dns.Domain
	mailFrom string
	rcpts    []string
}

// acquireCutthrough publishes c as the cutthrough session. It fails when a
// session is already active, in which case the caller keeps ownership of c.
func acquireCutthrough(c *smtpclient.Client, peer dns.Domain, mailFrom, rcpt string) bool {
	cutthrough.Lock()
	defer cutthrough.Unlock()
	if cutthrough.session != nil {
		return false
	}
	cutthrough.session = &cutthroughSession{client: c, peer: peer, mailFrom: mailFrom, rcpts: []string{rcpt}}
	return true
}

// CutthroughActive reports whether a callout connection is being held.
func CutthroughActive() bool {
	cutthrough.Lock()
	defer cutthrough.Unlock()
	return cutthrough.session != nil
}

// CutthroughRcpts returns the recipients accepted on the held connection.
func CutthroughRcpts() []string {
	cutthrough.Lock()
	defer cutthrough.Unlock()
	if cutthrough.session == nil {
		return nil
	}
	return append([]string{}, cutthrough.session.rcpts...)
}

// CutthroughRcpt sends an additional RCPT TO over the held connection, for a
// later recipient of the same message routed to the same place. A non-2xx
// response or I/O error abandons the session, the message falls back to
// queueing.
func CutthroughRcpt(elog *slog.Logger, rcpt string) (smtpclient.Reply, error) {
	cutthrough.Lock()
	defer cutthrough.Unlock()
	if cutthrough.session == nil {
		return smtpclient.Reply{}, ErrNoCutthrough
	}
	rep, err := cutthrough.session.client.RcptTo(rcpt)
	if err != nil || rep.Code/100 != 2 {
		abandonLocked(mlog.New("verify", elog))
		return rep, err
	}
	cutthrough.session.rcpts = append(cutthrough.session.rcpts, rcpt)
	return rep, nil
}

// CutthroughData relays the message over the held connection: DATA, the
// framed message with dot-stuffing and CRLF line endings, terminating dot.
// The reply to the final dot is returned and becomes the upstream response.
// The session is released either way; on error or a non-2xx reply the caller
// falls back to queueing.
func CutthroughData(ctx context.Context, elog *slog.Logger, msg *transport.Message) (smtpclient.Reply, error) {
	log := mlog.New("verify", elog)

	cutthrough.Lock()
	s := cutthrough.session
	cutthrough.session = nil
	cutthrough.Unlock()
	if s == nil {
		return smtpclient.Reply{}, ErrNoCutthrough
	}

	opts := transport.DefaultOptions()
	opts.Check = "."
	opts.Escape = ".."
	opts.CRLF = true
	opts.EndDot = true
	opts.Filter = nil

	rep, err := s.client.Data(func(w io.Writer) error {
		_, werr := transport.WriteMessage(ctx, log.Logger, w, msg, opts)
		return werr
	})

	if cerr := s.client.Close(); cerr != nil && !mothio.IsClosed(cerr) {
		log.Debugx("closing cutthrough connection", cerr, slog.Any("peer", s.peer))
	}

	if err != nil {
		return rep, err
	}
	log.Debug("cutthrough delivery response",
		slog.Any("peer", s.peer),
		slog.Int("code", rep.Code),
		slog.Int("rcpts", len(s.rcpts)))
	return rep, nil
}

// AbandonCutthrough closes the held connection without delivering; the
// message goes through the queue as usual.
func AbandonCutthrough(elog *slog.Logger) {
	log := mlog.New("verify", elog)
	cutthrough.Lock()
	defer cutthrough.Unlock()
	abandonLocked(log)
}

func abandonLocked(log mlog.Log) {
	s := cutthrough.session
	if s == nil {
		return
	}
	cutthrough.session = nil
	if err := s.client.Close(); err != nil && !mothio.IsClosed(err) {
		log.Debugx("closing abandoned cutthrough connection", err, slog.Any("peer", s.peer))
	}
}

// cutthroughEnabled reports whether configuration allows holding callout
// connections at all: a transport filter forces queueing since the filter
// must run over the spooled message.
func cutthroughEnabled() bool {
	return len(config.Conf.Transport.Filter) == 0
}
