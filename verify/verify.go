// Package verify decides whether an address is deliverable. It drives the
// routing subsystem over the address (following redirects), and for routed
// addresses optionally opens an SMTP callout session to the address's mail
// hosts, asking the remote server whether it would accept the recipient.
// Callout verdicts are cached in the hints database. An accepted callout
// connection can be held open and repurposed as the actual delivery
// connection (cutthrough).
package verify

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/host"
	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/smtp"
	"github.com/mailmoth/moth/smtpclient"
)

var metricVerify = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "moth_verify_total",
		Help: "Address verifications, by result.",
	},
	[]string{"result"},
)

// Result of a verification.
type Result string

const (
	OK    Result = "ok"
	Fail  Result = "fail"
	Defer Result = "defer"
)

// Verdict is the outcome of a verification, with the failing probe stage and
// the SMTP detail when a callout produced it.
type Verdict struct {
	Result  Result
	Class   string // What failed: "recipient", "mail", "postmaster", "random", "quota".
	Code    int    // SMTP reply code when a remote server produced the verdict.
	Message string
}

// Router is the routing subsystem consulted for each address. An
// implementation typically expands its options per address and either
// redirects to new addresses, accepts with a transport, fails or defers.
type Router interface {
	Route(ctx context.Context, log mlog.Log, addr smtp.Address, isRecipient bool) (Route, error)
}

// Route is one routing outcome.
type Route struct {
	Children  []smtp.Address // Redirect: verification continues into these.
	Transport *Transport     // Accept: the transport that would deliver.
	Callout   bool           // The route requests callout verification.
	Fail      bool           // Address is undeliverable.
	Defer     bool           // Temporary routing failure.
	Message   string
}

// Transport describes how a routed address would be delivered.
type Transport struct {
	Name  string
	Hosts []host.Host // When set, preferred over hosts found through DNS.
	Port  int         // 0 means 25.
}

// Options control a verification, a direct mapping of the verify ACL
// condition's switches.
type Options struct {
	IsRecipient             bool
	EXPN                    bool
	Callout                 bool   // Do an SMTP callout even if the route does not ask for one.
	CalloutNoCache          bool   // Bypass the hints database entirely.
	CalloutRandom           bool   // Probe a random local part to detect accept-anything servers.
	CalloutFullPostmaster   bool   // After postmaster@domain is refused, also try bare postmaster.
	SuccessOnRedirect       bool   // A redirect counts as verified instead of being followed.
	RecipientUsesRealSender bool   // Use Sender instead of <> as callout MAIL FROM.
	CalloutHold             bool   // Keep an accepted callout connection for cutthrough delivery.
	Quota                   bool   // Verify the local user's quota instead of routing.

	Sender           string // The actual envelope sender.
	FakeSender       string // Overrides the callout MAIL FROM when set.
	PostmasterSender string // When set, an accepted recipient is followed by a postmaster probe.

	ConnectTimeout time.Duration // Defaults from the callout configuration.
	CalloutTimeout time.Duration // Per SMTP command.
	OverallTimeout time.Duration // Wall-clock budget across all hosts.

	Resolver dns.Resolver
	Dialer   smtpclient.Dialer
	Port     int
}

// Redirects deeper than this fail verification, matching the recursion bound
// on routing.
const maxRedirectDepth = 20

type verifier struct {
	router Router
	opts   Options
	log    mlog.Log
}

// Verify checks whether address is deliverable, per opts. The returned
// verdict is OK, Fail with a failure class, or Defer for temporary problems.
func Verify(ctx context.Context, elog *slog.Logger, router Router, address string, opts Options) (rv Verdict) {
	log := mlog.New("verify", elog)
	start := time.Now()
	defer func() {
		metricVerify.WithLabelValues(string(rv.Result)).Inc()
		log.Debug("verify result",
			slog.String("address", address),
			slog.String("result", string(rv.Result)),
			slog.String("class", rv.Class),
			slog.Duration("duration", time.Since(start)))
	}()

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = config.Conf.Callout.ConnectTimeout
	}
	if opts.CalloutTimeout == 0 {
		opts.CalloutTimeout = config.Conf.Callout.Timeout
	}
	if opts.OverallTimeout == 0 {
		opts.OverallTimeout = config.Conf.Callout.OverallTimeout
	}
	if opts.Port == 0 {
		opts.Port = 25
	}

	if opts.Quota {
		return VerifyQuota(ctx, log.Logger, address, opts.CalloutNoCache)
	}

	addr, err := parseAddress(address)
	if err != nil {
		return Verdict{Result: Fail, Class: "recipient", Message: fmt.Sprintf("malformed address: %v", err)}
	}

	v := verifier{router: router, opts: opts, log: log}
	return v.verify(ctx, addr, 0)
}

// parseAddress parses address, qualifying a bare local part with the
// configured hostname.
func parseAddress(address string) (smtp.Address, error) {
	addr, err := smtp.ParseAddress(address)
	if err == nil {
		return addr, nil
	}
	if !config.Conf.HostnameDomain.IsZero() {
		if lp, lerr := smtp.ParseLocalpart(address); lerr == nil {
			return smtp.NewAddress(lp, config.Conf.HostnameDomain), nil
		}
	}
	return smtp.Address{}, err
}

// verify runs the routing loop on addr. Redirects to a single child continue
// in place, fan-outs verify each child and collate: any hard failure fails,
// otherwise any temporary failure without a success defers.
func (v *verifier) verify(ctx context.Context, addr smtp.Address, depth int) Verdict {
	if depth > maxRedirectDepth {
		return Verdict{Result: Fail, Class: "recipient", Message: "too many levels of aliasing"}
	}

	route, err := v.router.Route(ctx, v.log, addr, v.opts.IsRecipient)
	if err != nil {
		return Verdict{Result: Defer, Class: "recipient", Message: fmt.Sprintf("routing: %v", err)}
	}

	switch {
	case route.Fail:
		return Verdict{Result: Fail, Class: "recipient", Message: route.Message}

	case route.Defer:
		return Verdict{Result: Defer, Class: "recipient", Message: route.Message}

	case len(route.Children) > 0:
		if v.opts.SuccessOnRedirect {
			return Verdict{Result: OK}
		}
		if len(route.Children) == 1 {
			// An alias fanning out to a single address does not short-circuit,
			// verification continues into the generated address.
			return v.verify(ctx, route.Children[0], depth+1)
		}
		var deferred *Verdict
		ok := false
		for _, child := range route.Children {
			vd := v.verify(ctx, child, depth+1)
			switch vd.Result {
			case Fail:
				return vd
			case Defer:
				if deferred == nil {
					deferred = &vd
				}
			case OK:
				ok = true
			}
		}
		if !ok && deferred != nil {
			return *deferred
		}
		return Verdict{Result: OK}

	case route.Transport != nil:
		if !route.Callout && !v.opts.Callout {
			return Verdict{Result: OK}
		}
		port := route.Transport.Port
		if port == 0 {
			port = v.opts.Port
		}
		hosts := route.Transport.Hosts
		if len(hosts) == 0 {
			var status host.Status
			var err error
			hosts, status, err = host.FindByDNS(ctx, v.log.Logger, v.resolver(), addr.Domain, host.Flags{ByMX: true})
			switch status {
			case host.FoundLocal:
				// Delivery would be local, there is no remote server to ask.
				return Verdict{Result: OK}
			case host.FindAgain:
				return Verdict{Result: Defer, Class: "recipient", Message: fmt.Sprintf("finding mail hosts: %v", err)}
			case host.FindFailed, host.FindSecurity:
				return Verdict{Result: Fail, Class: "recipient", Message: fmt.Sprintf("finding mail hosts: %v", err)}
			}
		}
		return v.callout(ctx, addr, hosts, port)
	}

	return Verdict{Result: Fail, Class: "recipient", Message: "no router accepted the address"}
}

func (v *verifier) resolver() dns.Resolver {
	if v.opts.Resolver != nil {
		return v.opts.Resolver
	}
	return dns.StrictResolver{Pkg: "verify", Log: v.log.Logger}
}
