package verify

import (
	"context"
	"fmt"
	"net"
	"time"

	"log/slog"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/expand"
	"github.com/mailmoth/moth/hintsdb"
	"github.com/mailmoth/moth/host"
	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/smtp"
	"github.com/mailmoth/moth/smtpclient"
)

// Message for a verdict served from the per-address cache, also matched on by
// operators reading reject logs.
const cachedFailureMessage = "Previous (cached) callout verification failure"

// callout asks the hosts for addr's domain whether they would accept addr as
// a recipient. The hints database is consulted before any network I/O and
// updated with what the session learned, unless caching is disabled.
func (v *verifier) callout(ctx context.Context, addr smtp.Address, hosts []host.Host, port int) Verdict {
	log := v.log
	domain := addr.Domain

	mailFrom := ""
	if v.opts.IsRecipient && v.opts.RecipientUsesRealSender {
		mailFrom = v.opts.Sender
	}
	if v.opts.FakeSender != "" {
		mailFrom = v.opts.FakeSender
	}

	key := hintsdb.AddressKey(addr.String(), mailFrom)

	var domrec hintsdb.DomainRecord
	if !v.opts.CalloutNoCache {
		var err error
		domrec, err = hintsdb.LookupDomain(ctx, domain.Name())
		if err != nil {
			log.Errorx("callout domain cache lookup", err)
		}
		if mailFrom == "" && domrec.Result == hintsdb.ResultRejectMailFromNull {
			return Verdict{Result: Fail, Class: "mail", Code: smtp.C550MailboxUnavail, Message: "(cached) the mail server rejects MAIL FROM:<>"}
		}
		if domrec.RandomResult == hintsdb.ResultAccept {
			// The server accepts any recipient, a callout can prove nothing.
			return Verdict{Result: OK}
		}
		if v.opts.PostmasterSender != "" && domrec.PostmasterResult == hintsdb.ResultReject {
			return Verdict{Result: Fail, Class: "postmaster", Code: smtp.C550MailboxUnavail, Message: "(cached) the mail server rejects RCPT TO:<postmaster@" + domain.Name() + ">"}
		}

		if arec, err := hintsdb.LookupAddress(ctx, key); err == nil {
			if arec.Result == hintsdb.ResultAccept {
				return Verdict{Result: OK}
			}
			return Verdict{Result: Fail, Class: "recipient", Code: arec.Code, Message: cachedFailureMessage}
		}
	}

	// Arms learned during this callout, merged into the domain record afterwards.
	learned := hintsdb.DomainRecord{Domain: domain.Name()}
	randomKnownRejected := domrec.RandomResult == hintsdb.ResultReject

	deadline := time.Now().Add(v.opts.OverallTimeout)
	dialedIPs := map[string][]net.IP{}
	dialer := v.opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	final := Verdict{Result: Defer, Class: "recipient", Message: "could not reach any mail host for " + domain.Name()}
	var addrRec *hintsdb.AddressRecord

	for _, h := range hosts {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Debug("callout wall-clock budget spent", slog.Any("domain", domain))
			break
		}
		cctx, cancel := context.WithTimeout(ctx, remaining)

		dctx, dcancel := context.WithTimeout(cctx, v.opts.ConnectTimeout)
		conn, _, err := smtpclient.Dial(dctx, log.Logger, dialer, dns.IPDomain{Domain: h.Name}, []net.IP{h.Address}, port, dialedIPs, nil)
		dcancel()
		if err != nil {
			log.Debugx("callout dial", err, slog.Any("host", h.Name), slog.Any("ip", h.Address))
			final = Verdict{Result: Defer, Class: "recipient", Message: fmt.Sprintf("connecting to %s: %v", h.Name, err)}
			cancel()
			continue
		}

		c, err := smtpclient.New(cctx, log.Logger, conn, smtpclient.TLSOpportunistic, false, config.Conf.HostnameDomain, h.Name, smtpclient.Opts{CommandTimeout: v.opts.CalloutTimeout})
		if err != nil {
			conn.Close()
			log.Debugx("callout smtp session", err, slog.Any("host", h.Name))
			final = Verdict{Result: Defer, Class: "recipient", Message: fmt.Sprintf("smtp session with %s: %v", h.Name, err)}
			cancel()
			continue
		}

		vd, arec, randomDone, hold := v.session(log, c, addr, mailFrom, &learned, randomKnownRejected)
		if arec != nil {
			addrRec = arec
		}
		if hold && vd.Result == OK && !randomDone && cutthroughEnabled() &&
			acquireCutthrough(c, h.Name, mailFrom, addr.String()) {
			log.Debug("callout connection held for cutthrough", slog.Any("host", h.Name))
		} else {
			if err := c.Close(); err != nil {
				log.Debugx("closing callout connection", err, slog.Any("host", h.Name))
			}
		}
		cancel()

		if vd.Result == OK {
			final = vd
			break
		}
		// A definite rejection is remembered but the next host may still
		// accept; a rejection never downgrades to the deferral of a later,
		// unreachable host.
		if vd.Result == Fail || final.Result != Fail {
			final = vd
		}
		if vd.Result == Fail && vd.Class != "recipient" {
			break
		}
	}

	if !v.opts.CalloutNoCache {
		if err := hintsdb.StoreDomain(ctx, learned); err != nil {
			log.Errorx("storing callout domain record", err)
		}
		if addrRec != nil {
			addrRec.Key = key
			if err := hintsdb.StoreAddress(ctx, *addrRec); err != nil {
				log.Errorx("storing callout address record", err)
			}
		}
	}
	return final
}

// session runs the probe sequence on an open connection: MAIL FROM, an
// optional random-local-part RCPT, the target RCPT, and an optional
// postmaster probe. randomDone reports whether a random probe was sent, which
// rules the connection out for cutthrough. hold is whether the caller may
// keep the connection.
func (v *verifier) session(log mlog.Log, c *smtpclient.Client, addr smtp.Address, mailFrom string, learned *hintsdb.DomainRecord, randomKnownRejected bool) (vd Verdict, arec *hintsdb.AddressRecord, randomDone, hold bool) {
	domain := addr.Domain.Name()

	deferf := func(format string, args ...any) Verdict {
		return Verdict{Result: Defer, Class: "recipient", Message: fmt.Sprintf(format, args...)}
	}

	rep, err := c.MailFrom(mailFrom)
	if err != nil {
		return deferf("sending MAIL FROM: %v", err), nil, false, false
	}
	if rep.Code/100 == 5 {
		if mailFrom == "" {
			learned.Result = hintsdb.ResultRejectMailFromNull
		}
		return Verdict{Result: Fail, Class: "mail", Code: rep.Code, Message: rep.Line}, nil, false, false
	}
	if rep.Code/100 != 2 {
		return deferf("MAIL FROM response %d %s", rep.Code, rep.Line), nil, false, false
	}

	if v.opts.CalloutRandom && !randomKnownRejected {
		local, err := randomLocalPart(log)
		if err != nil {
			log.Debugx("expanding random local part, skipping random probe", err)
		} else if local != "" {
			randomDone = true
			rr, err := c.RcptTo(local + "@" + domain)
			if err != nil {
				return deferf("sending random RCPT probe: %v", err), nil, randomDone, false
			}
			if rr.Code/100 == 2 {
				// The server accepts any recipient. Remember that, and treat
				// the address as acceptable since a rejection can never be
				// observed.
				learned.RandomResult = hintsdb.ResultAccept
				return Verdict{Result: OK}, &hintsdb.AddressRecord{Result: hintsdb.ResultAccept, Code: rr.Code}, randomDone, false
			}
			learned.RandomResult = hintsdb.ResultReject

			// Some servers accept only one RCPT after a null sender, start a
			// fresh transaction for the real probe.
			if _, err := c.Rset(); err != nil {
				return deferf("RSET after random probe: %v", err), nil, randomDone, false
			}
			if rep, err := c.MailFrom(mailFrom); err != nil {
				return deferf("MAIL FROM after random probe: %v", err), nil, randomDone, false
			} else if rep.Code/100 != 2 {
				return deferf("MAIL FROM after random probe: %d %s", rep.Code, rep.Line), nil, randomDone, false
			}
		}
	}

	rr, err := c.RcptTo(addr.String())
	if err != nil {
		return deferf("sending RCPT TO: %v", err), nil, randomDone, false
	}
	switch rr.Code / 100 {
	case 2:
		vd = Verdict{Result: OK}
		arec = &hintsdb.AddressRecord{Result: hintsdb.ResultAccept, Code: rr.Code}
	case 5:
		vd = Verdict{Result: Fail, Class: "recipient", Code: rr.Code, Message: rr.Line}
		arec = &hintsdb.AddressRecord{Result: hintsdb.ResultReject, Code: rr.Code, Message: rr.Line}
		return vd, arec, randomDone, false
	default:
		return deferf("RCPT TO response %d %s", rr.Code, rr.Line), nil, randomDone, false
	}

	if v.opts.PostmasterSender != "" {
		if _, err := c.Rset(); err != nil {
			return deferf("RSET before postmaster probe: %v", err), arec, randomDone, false
		}
		if rep, err := c.MailFrom(v.opts.PostmasterSender); err != nil {
			return deferf("MAIL FROM for postmaster probe: %v", err), arec, randomDone, false
		} else if rep.Code/100 != 2 {
			return deferf("MAIL FROM for postmaster probe: %d %s", rep.Code, rep.Line), arec, randomDone, false
		}
		pm, err := c.RcptTo("postmaster@" + domain)
		if err != nil {
			return deferf("postmaster probe: %v", err), arec, randomDone, false
		}
		if pm.Code/100 != 2 && v.opts.CalloutFullPostmaster {
			pm, err = c.RcptTo("postmaster")
			if err != nil {
				return deferf("bare postmaster probe: %v", err), arec, randomDone, false
			}
		}
		if pm.Code/100 == 2 {
			learned.PostmasterResult = hintsdb.ResultAccept
		} else {
			learned.PostmasterResult = hintsdb.ResultReject
			return Verdict{Result: Fail, Class: "postmaster", Code: pm.Code, Message: pm.Line}, arec, randomDone, false
		}
	}

	// A postmaster probe leaves the transaction in the probe's state, the
	// connection cannot be repurposed for delivery.
	return vd, arec, randomDone, v.opts.CalloutHold && v.opts.PostmasterSender == ""
}

// randomLocalPart expands the configured random-probe local part. An empty
// configuration uses a default with a large random number, unlikely to exist
// as a mailbox.
func randomLocalPart(log mlog.Log) (string, error) {
	src := config.Conf.Callout.RandomLocal
	if src == "" {
		src = "moth-probe-${randint:1000000000}"
	}
	v, err := expand.Expand(expand.String(src), &expand.State{Log: log})
	if err != nil {
		return "", err
	}
	return v.S, nil
}
