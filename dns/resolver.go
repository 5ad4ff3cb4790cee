package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"log/slog"

	"github.com/mjl-/adns"

	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/stub"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver is the interface strict resolver implements.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error) // Always returns absolute names, with trailing dot.
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error)  // NOTE: returns an error if no CNAME record is present.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// WithPackage sets Pkg on resolver if it is a StrictResolve and does not have a package set yet.
func WithPackage(resolver Resolver, name string) Resolver {
	r, ok := resolver.(StrictResolver)
	if ok && r.Pkg == "" {
		nr := r
		r.Pkg = name
		return nr
	}
	return resolver
}

// StrictResolver is a net.Resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), pkg, typ, result)
}

func (r StrictResolver) WithPackage(name string) Resolver {
	nr := r
	nr.Pkg = name
	return nr
}

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func resolveErrorHint(err *error) {
	e := *err
	if e == nil {
		return
	}
	dnserr, ok := e.(*adns.DNSError)
	if !ok {
		return
	}
	// If the dns server is not running, and it is one of the default/fallback IPs,
	// hint at where to look.
	if dnserr.IsTemporary && runtime.GOOS == "linux" && (dnserr.Server == "127.0.0.1:53" || dnserr.Server == "[::1]:53") && strings.HasSuffix(dnserr.Err, "connection refused") {
		*err = fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver? in case of systemd-resolved, see systemd-resolved.service(8); better yet, install a proper dnssec-verifying recursive resolver like unbound)", *err)
	}
}

func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "addr", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "addr"),
			slog.String("addr", addr),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	// For addresses from /etc/hosts without dot, we add the missing trailing dot.
	for i, s := range resp {
		if !strings.HasSuffix(s, ".") {
			resp[i] = s + "."
		}
	}
	return
}

// LookupCNAME looks up a CNAME. Unlike "net" LookupCNAME, it returns a "not found"
// error if there is no CNAME record.
func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (resp string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "cname", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "cname"),
			slog.String("host", host),
			slog.String("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return "", result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupCNAME(ctx, host)
	if err == nil && resp == host {
		return "", result, &adns.DNSError{
			Err:        "no cname record",
			Name:       host,
			Server:     "",
			IsNotFound: true,
		}
	}
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "ip", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "ip"),
			slog.String("network", network),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIP(ctx, network, host)
	return
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "mx", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "mx"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupMX(ctx, name)
	return
}

func (r StrictResolver) LookupSRV(ctx context.Context, service, proto, name string) (resp0 string, resp1 []*net.SRV, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "srv", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "srv"),
			slog.String("service", service),
			slog.String("proto", proto),
			slog.String("name", name),
			slog.String("resp0", resp0),
			slog.Any("resp1", resp1),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return "", nil, result, ErrRelativeDNSName
	}
	resp0, resp1, result, err = r.resolver().LookupSRV(ctx, service, proto, name)
	return
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "txt", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "txt"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupTXT(ctx, name)
	return
}
