package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/mlog"
)

var metricReverse = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "moth_host_reverse_duration_seconds",
		Help:    "Duration and results of reverse lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{"status"},
)

var (
	// ErrNoReverse means no PTR record was found, or none of the names it
	// returned resolved back to the address.
	ErrNoReverse = errors.New("host: no verified reverse name")

	// ErrReverseDNS is returned for temporary DNS errors during reverse lookup.
	ErrReverseDNS = errors.New("host: dns error")
)

// ReverseStatus is the result of a reverse lookup.
type ReverseStatus string

const (
	ReversePass      ReverseStatus = "pass"
	ReverseFail      ReverseStatus = "fail"
	ReverseTemperror ReverseStatus = "temperror"
	ReversePermerror ReverseStatus = "permerror"
)

// ReverseLookup resolves the PTR record for ip and forward-confirms each
// returned name by resolving it back to addresses. Only names that resolve to
// ip are returned, lowercased and checked for letter-digit-hyphen syntax.
// Secure is true only if every lookup involved was DNSSEC-authentic.
func ReverseLookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, ip net.IP) (rstatus ReverseStatus, names []dns.Domain, secure bool, rerr error) {
	log := mlog.New("host", elog)
	start := time.Now()
	defer func() {
		metricReverse.WithLabelValues(string(rstatus)).Observe(float64(time.Since(start)) / float64(time.Second))
		log.Debugx("reverse lookup result", rerr,
			slog.Any("ip", ip),
			slog.Any("status", rstatus),
			slog.Any("names", names),
			slog.Bool("secure", secure),
			slog.Duration("duration", time.Since(start)))
	}()

	resolver = dns.WithPackage(resolver, "host")
	revNames, result, revErr := resolver.LookupAddr(ctx, ip.String())
	if revErr != nil && !dns.IsNotFound(revErr) {
		return ReverseTemperror, nil, false, fmt.Errorf("%w: %v", ErrReverseDNS, revErr)
	}
	secure = result.Authentic

	var lastErr error
	for _, rname := range revNames {
		rname = strings.ToLower(strings.TrimSuffix(rname, "."))
		d, err := dns.ParseDomain(rname)
		if err != nil {
			lastErr = fmt.Errorf("parsing reverse name %q: %v", rname, err)
			continue
		}
		if !isLDH(d.ASCII) {
			lastErr = fmt.Errorf("reverse name %q is not letter-digit-hyphen", rname)
			continue
		}

		// There is no point in resolving names to addresses in a family the
		// connection cannot be in.
		network := "ip6"
		if ip.To4() != nil {
			network = "ip4"
		}
		ips, result, err := resolver.LookupIP(ctx, network, d.ASCII+".")
		secure = secure && result.Authentic
		for _, fwdIP := range ips {
			if fwdIP.Equal(ip) {
				names = append(names, d)
				break
			}
		}
		if err != nil && !dns.IsNotFound(err) {
			lastErr = fmt.Errorf("%w: %v", ErrReverseDNS, err)
		}
	}

	if len(names) > 0 {
		return ReversePass, names, secure, nil
	}
	if lastErr != nil && errors.Is(lastErr, ErrReverseDNS) {
		return ReverseTemperror, nil, false, lastErr
	}
	if revErr != nil || len(revNames) == 0 {
		return ReverseFail, nil, false, ErrNoReverse
	}
	if lastErr != nil {
		return ReversePermerror, nil, false, lastErr
	}
	return ReverseFail, nil, false, ErrNoReverse
}

// isLDH reports whether s consists only of letters, digits, hyphens and dots,
// with no empty or hyphen-edged labels.
func isLDH(s string) bool {
	for _, label := range strings.Split(s, ".") {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
