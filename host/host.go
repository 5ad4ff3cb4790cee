// Package host resolves a delivery name to a chain of usable hosts with
// addresses, and checks reverse DNS for incoming connections.
//
// A name is looked up through SRV, MX or plain A/AAAA records, depending on
// flags. MX targets of equal preference get independent random tie-breaks.
// SRV records are ordered with the weighted selection from RFC 2782. Each
// target then expands into one host per address, IPv6 before IPv4 within a
// preference (or reversed when configured). Duplicate (name, address) pairs
// are dropped, and hosts that turn out to be this machine cut the chain.
package host

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/mlog"
)

var (
	metricFind = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moth_host_find_total",
			Help: "Number of host chain lookups, by status.",
		},
		[]string{"status"},
	)
)

var (
	errCNAMELoop  = errors.New("cname loop")
	errCNAMELimit = errors.New("too many cname records")
	errDNS        = errors.New("dns lookup error")
	errNoMail     = errors.New("domain does not accept email as indicated with single dot for mx record")
)

// Status is the outcome of FindByDNS.
type Status string

const (
	Found        Status = "found"
	FoundLocal   Status = "foundlocal"   // The first host in the chain is this machine.
	FindAgain    Status = "findagain"    // Temporary DNS failure, try again later.
	FindFailed   Status = "findfailed"   // Name does not resolve to any host.
	FindSecurity Status = "findsecurity" // DNSSEC required for this domain but responses were insecure.
)

// Host is one deliverable destination: a name with a single address. A name
// with both A and AAAA records appears once per address, sharing preference.
type Host struct {
	Name    dns.Domain
	Address net.IP
	Port    int // From SRV, 0 otherwise.
	Pref    int // MX preference or SRV priority, -1 when neither.
	SortKey int // Pref with a random tie-break, chain is sorted stably by this.
	DNSSEC  bool
}

// Flags select the lookup strategy for FindByDNS.
type Flags struct {
	BySRV      bool
	ByMX       bool
	ByA        bool
	ByAAAA     bool
	SRVService string // E.g. "smtp", used as _smtp._tcp.<name>.
	IPv4First  bool   // IPv4 before IPv6 within a preference.
	IPv4Only   bool   // Skip AAAA lookups.
}

// Tests override these.
var randIntN = rand.IntN
var interfaceAddrs = net.InterfaceAddrs

// FindByDNS resolves name into a chain of hosts per the flags and the
// configured per-domain DNS policy. The returned error carries detail for
// FindAgain, FindFailed and FindSecurity.
func FindByDNS(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, name dns.Domain, flags Flags) (chain []Host, rstatus Status, rerr error) {
	log := mlog.New("host", elog)
	start := time.Now()
	defer func() {
		metricFind.WithLabelValues(string(rstatus)).Inc()
		log.Debugx("host chain lookup", rerr,
			slog.Any("name", name),
			slog.String("status", string(rstatus)),
			slog.Int("hosts", len(chain)),
			slog.Duration("duration", time.Since(start)))
	}()

	requireDNSSEC := matchDomainList(name, config.Conf.DNS.DNSSECRequireDomains)
	authentic := true

	type target struct {
		name dns.Domain
		pref int
		port int
	}
	var targets []target

	if flags.BySRV && flags.SRVService != "" {
		_, srvs, result, err := resolver.LookupSRV(ctx, flags.SRVService, "tcp", name.ASCII+".")
		authentic = authentic && result.Authentic
		if err != nil && !dns.IsNotFound(err) {
			if matchDomainList(name, config.Conf.DNS.SRVFailDomains) {
				log.Debugx("srv lookup failed, treating as no data", err, slog.Any("name", name))
			} else {
				return nil, FindAgain, fmt.Errorf("%w: srv lookup for %s: %v", errDNS, name, err)
			}
		}
		if len(srvs) == 1 && srvs[0].Target == "." {
			return nil, FindFailed, fmt.Errorf("%w (srv)", errNoMail)
		}
		for _, srv := range orderSRV(srvs) {
			d, err := dns.ParseDomainLax(strings.TrimSuffix(srv.Target, "."))
			if err != nil {
				return nil, FindFailed, fmt.Errorf("%w: invalid srv target %q: %v", errDNS, srv.Target, err)
			}
			targets = append(targets, target{d, int(srv.Priority), int(srv.Port)})
		}
	}

	if len(targets) == 0 && flags.ByMX {
		expanded, expAuthentic, mxl, status, err := lookupMX(ctx, log, resolver, name)
		authentic = authentic && expAuthentic
		if err != nil && status != "" {
			return nil, status, err
		}
		for _, mx := range mxl {
			targets = append(targets, target{mx.name, mx.pref, 0})
		}
		if len(targets) == 0 {
			// No MX record, attempt delivery directly to the (CNAME-expanded) name
			// itself. ../rfc/5321:3842
			targets = append(targets, target{expanded, -1, 0})
		}
	}

	if len(targets) == 0 && (flags.ByA || flags.ByAAAA) {
		targets = append(targets, target{name, -1, 0})
	}
	if len(targets) == 0 {
		return nil, FindFailed, fmt.Errorf("no lookup strategy for %s", name)
	}

	// Resolve each target into addresses and build host items.
	for _, tg := range targets {
		network := "ip"
		if flags.IPv4Only || matchDomainList(tg.name, config.Conf.DNS.IPv4Lookup) {
			network = "ip4"
		}
		ips, result, err := resolver.LookupIP(ctx, network, tg.name.ASCII+".")
		authentic = authentic && result.Authentic
		if dns.IsNotFound(err) {
			continue
		} else if err != nil {
			return nil, FindAgain, fmt.Errorf("%w: address lookup for %s: %v", errDNS, tg.name, err)
		}
		sortKey := tg.pref<<16 | randIntN(1<<16)
		var v4, v6 []net.IP
		for _, ip := range ips {
			if ip.To4() != nil {
				v4 = append(v4, ip)
			} else {
				v6 = append(v6, ip)
			}
		}
		ipv4First := flags.IPv4First || config.Conf.DNS.IPv4First
		ordered := append(append([]net.IP{}, v6...), v4...)
		if ipv4First {
			ordered = append(append([]net.IP{}, v4...), v6...)
		}
		for _, ip := range ordered {
			chain = append(chain, Host{Name: tg.name, Address: ip, Port: tg.port, Pref: tg.pref, SortKey: sortKey})
		}
	}

	if len(chain) == 0 {
		return nil, FindFailed, fmt.Errorf("%w: no addresses for %s", errDNS, name)
	}

	if requireDNSSEC && !authentic {
		return nil, FindSecurity, fmt.Errorf("dnssec required for %s but responses were insecure", name)
	}
	if authentic {
		for i := range chain {
			chain[i].DNSSEC = true
		}
	}

	sort.SliceStable(chain, func(i, j int) bool { return chain[i].SortKey < chain[j].SortKey })
	chain = RemoveDuplicates(chain)

	var firstLocal bool
	chain, firstLocal = PruneLocal(log, chain)
	if firstLocal {
		return chain, FoundLocal, nil
	}
	if len(chain) == 0 {
		return nil, FindFailed, fmt.Errorf("all hosts for %s are local", name)
	}
	return chain, Found, nil
}

type mxTarget struct {
	name dns.Domain
	pref int
}

// lookupMX follows CNAMEs from name, then fetches MX records. A nil mx list
// with nil error means delivery should go to the expanded name directly.
func lookupMX(ctx context.Context, log mlog.Log, resolver dns.Resolver, name dns.Domain) (expanded dns.Domain, authentic bool, mxs []mxTarget, status Status, rerr error) {
	// ../rfc/5321:3824
	authentic = true
	expanded = name
	domainsSeen := map[string]bool{}
	for i := 0; ; i++ {
		if domainsSeen[expanded.ASCII] {
			return expanded, authentic, nil, FindFailed, fmt.Errorf("%w: %s: already saw %s", errCNAMELoop, name, expanded)
		}
		domainsSeen[expanded.ASCII] = true
		if i == 16 {
			// CNAME chains of 10 records have been encountered on the internet.
			return expanded, authentic, nil, FindFailed, fmt.Errorf("%w: %s, last resolved %s", errCNAMELimit, name, expanded)
		}

		// Do explicit CNAME lookup. Go's LookupMX also resolves CNAMEs, but we want to
		// know the final name, and whether each step was DNSSEC-secure.
		// ../rfc/5321:3838 ../rfc/3974:197
		cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
		cname, cnameResult, err := resolver.LookupCNAME(cctx, expanded.ASCII+".")
		ccancel()
		authentic = authentic && cnameResult.Authentic
		if err != nil && !dns.IsNotFound(err) {
			return expanded, authentic, nil, FindAgain, fmt.Errorf("%w: cname lookup for %s: %v", errDNS, expanded, err)
		}
		if err == nil && cname != expanded.ASCII+"." {
			d, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				return expanded, authentic, nil, FindFailed, fmt.Errorf("%w: parsing cname domain %s: %v", errDNS, expanded, err)
			}
			expanded = d
			continue
		}

		mctx, mcancel := context.WithTimeout(ctx, 30*time.Second)
		// Note: LookupMX can return an error and still return records: Invalid records are
		// filtered out and an error returned. We must process any records that are valid.
		// Only if all are unusable will we return an error. ../rfc/5321:3851
		mxl, mxResult, err := resolver.LookupMX(mctx, expanded.ASCII+".")
		mcancel()
		authentic = authentic && mxResult.Authentic
		if err != nil && len(mxl) == 0 {
			if dns.IsNotFound(err) {
				return expanded, authentic, nil, "", nil
			}
			if matchDomainList(expanded, config.Conf.DNS.MXFailDomains) {
				log.Debugx("mx lookup failed, treating as no data", err, slog.Any("name", expanded))
				return expanded, authentic, nil, "", nil
			}
			return expanded, authentic, nil, FindAgain, fmt.Errorf("%w: mx lookup for %s: %v", errDNS, expanded, err)
		} else if err != nil {
			log.Infox("mx record has some invalid records, keeping only the valid mx records", err)
		}

		// ../rfc/7505:122
		if err == nil && len(mxl) == 1 && mxl[0].Host == "." {
			return expanded, authentic, nil, FindFailed, errNoMail
		}

		for _, mx := range mxl {
			// Parsing lax for MX targets with underscores as seen in the wild.
			host, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				// note: should not happen because Go resolver already filters these out.
				return expanded, authentic, nil, FindFailed, fmt.Errorf("%w: invalid host name in mx record %q: %v", errDNS, mx.Host, err)
			}
			mxs = append(mxs, mxTarget{host, int(mx.Pref)})
		}
		return expanded, authentic, mxs, "", nil
	}
}

// orderSRV applies the RFC 2782 weighted selection: within each equal-priority
// run, repeatedly pick a uniform random value in [0, sum of weights], scan the
// cumulative sums and move the chosen entry to the head of the remainder.
func orderSRV(srvs []*net.SRV) []*net.SRV {
	l := make([]*net.SRV, len(srvs))
	copy(l, srvs)
	sort.SliceStable(l, func(i, j int) bool { return l[i].Priority < l[j].Priority })

	for start := 0; start < len(l); {
		end := start
		for end < len(l) && l[end].Priority == l[start].Priority {
			end++
		}
		group := l[start:end]
		for i := 0; i < len(group)-1; i++ {
			sum := 0
			for _, srv := range group[i:] {
				sum += int(srv.Weight)
			}
			n := randIntN(sum + 1)
			cum := 0
			for j := i; j < len(group); j++ {
				cum += int(group[j].Weight)
				if cum >= n {
					group[i], group[j] = group[j], group[i]
					break
				}
			}
		}
		start = end
	}
	return l
}

// RemoveDuplicates drops repeated (name, address) pairs from a sorted chain,
// keeping the instance with the lowest preference.
func RemoveDuplicates(chain []Host) []Host {
	seen := map[string]bool{}
	o := 0
	for _, h := range chain {
		key := h.Name.ASCII + "|" + h.Address.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		chain[o] = h
		o++
	}
	return chain[:o]
}

// PruneLocal removes hosts that are this machine, either by interface address
// or through the hosts_treat_as_local configuration, along with every host at
// a numerically greater preference. firstLocal reports whether the first host
// of the chain was local, meaning the message has reached its destination
// preference and should be delivered locally instead.
func PruneLocal(log mlog.Log, chain []Host) (pruned []Host, firstLocal bool) {
	localIPs := map[string]bool{}
	addrs, err := interfaceAddrs()
	if err != nil {
		log.Errorx("listing interface addresses", err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			localIPs[ipnet.IP.String()] = true
		}
	}

	isLocal := func(h Host) bool {
		if localIPs[h.Address.String()] {
			return true
		}
		for _, d := range config.Conf.HostsTreatAsLocalD {
			if h.Name == d {
				return true
			}
		}
		return false
	}

	cut := -1
	for i, h := range chain {
		if isLocal(h) {
			if i == 0 {
				firstLocal = true
			}
			cut = h.Pref
			break
		}
	}
	if cut < 0 && !firstLocal {
		return chain, false
	}
	o := 0
	for _, h := range chain {
		if h.Pref >= cut {
			continue
		}
		chain[o] = h
		o++
	}
	return chain[:o], firstLocal
}

// matchDomainList reports whether domain equals an entry or is a subdomain of
// one. Entries may carry a leading "*." which is ignored.
func matchDomainList(domain dns.Domain, l []string) bool {
	name := domain.ASCII
	for _, e := range l {
		e = strings.ToLower(strings.TrimPrefix(e, "*."))
		if name == e || strings.HasSuffix(name, "."+e) {
			return true
		}
	}
	return false
}
