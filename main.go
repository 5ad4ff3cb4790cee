// Command moth verifies email addresses for a mail server. It expands option
// strings with the string expansion language, asks remote servers whether
// they would accept an address (callouts, with cached verdicts), resolves
// names into chains of mail hosts, and frames messages for transmission.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/expand"
	"github.com/mailmoth/moth/hintsdb"
	"github.com/mailmoth/moth/host"
	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/mothvar"
	"github.com/mailmoth/moth/smtp"
	"github.com/mailmoth/moth/verify"
)

var commands []struct {
	name string
	fn   func(args []string)
	help string
}

func init() {
	commands = []struct {
		name string
		fn   func(args []string)
		help string
	}{
		{"expand", cmdExpand, "read expansion strings from stdin, one per line, write results to stdout"},
		{"verify", cmdVerify, "verify an address, optionally with an SMTP callout"},
		{"hostlookup", cmdHostLookup, "resolve a domain into its chain of mail hosts"},
		{"reverse", cmdReverse, "reverse lookup of an IP address with forward confirmation"},
		{"hintsdump", cmdHintsDump, "dump sizes and statistics of the hints database"},
		{"describeconf", cmdDescribeConf, "print an annotated example configuration file"},
		{"quota-check", cmdQuotaCheck, "internal: run a quota check as a child process"},
		{"version", cmdVersion, "print version"},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: moth [-config file] [-loglevel level] command ...")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "\t%-13s %s\n", c.name, c.help)
	}
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "moth: %s: %s\n", fmt.Sprintf(format, args...), err)
		os.Exit(1)
	}
}

func main() {
	flag.Usage = usage
	configPath := flag.String("config", "", "path to configuration file")
	loglevel := flag.String("loglevel", "", "log level, overriding the configuration: error, info, debug, trace")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	if *configPath != "" {
		xcheckf(config.Load(*configPath), "loading configuration %s", *configPath)
	}
	level := config.Conf.LogLevelParsed
	if *loglevel != "" {
		l, ok := mlog.Levels[*loglevel]
		if !ok {
			xcheckf(fmt.Errorf("unknown level %q", *loglevel), "parsing log level")
		}
		level = l
	}
	mlog.SetConfig(map[string]slog.Level{"": level})

	for _, c := range commands {
		if c.name == args[0] {
			c.fn(args[1:])
			return
		}
	}
	usage()
}

// cmdExpand reads one expansion string per line and prints each expansion.
// Exit code 0 when all expand, 2 on a forced failure ("fail" in an if/lookup
// arm), 1 on a hard failure.
func cmdExpand(args []string) {
	if len(args) != 0 {
		usage()
	}

	st := expand.State{
		Config: &expand.Config{
			PrimaryHostname: config.Conf.Hostname,
			QualifyDomain:   config.Conf.Hostname,
			SRSSecrets:      config.Conf.SRS.Secrets,
			PRVSSecret:      config.Conf.PRVS.Secret,
			Lookups: map[string]expand.LookupFunc{
				"dnsdb": dnsdbLookup(dns.StrictResolver{Pkg: "expand"}),
			},
		},
		Vars: map[string]expand.Value{
			"primary_hostname": expand.String(config.Conf.Hostname),
		},
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		v, err := expand.Expand(expand.String(scanner.Text()), &st)
		if err != nil {
			fmt.Fprintf(os.Stderr, "moth: %s\n", err)
			if errors.Is(err, expand.ErrForced) {
				os.Exit(2)
			}
			os.Exit(1)
		}
		fmt.Println(v.S)
	}
	xcheckf(scanner.Err(), "reading stdin")
}

// dnsdbLookup is the "dnsdb" lookup type for ${lookup}: the key is a domain,
// the target a record type ("txt", "a", "mx"). Multiple records are joined
// with newlines. NXDOMAIN and no-data are "not found", other DNS errors defer.
func dnsdbLookup(resolver dns.Resolver) expand.LookupFunc {
	return func(log mlog.Log, key, target expand.Value) (expand.Value, bool, error) {
		ctx := context.Background()
		name := strings.TrimSuffix(key.S, ".") + "."
		var records []string
		var err error
		switch strings.ToLower(target.S) {
		case "txt":
			records, _, err = resolver.LookupTXT(ctx, name)
		case "a":
			var ips []net.IP
			ips, _, err = resolver.LookupIP(ctx, "ip", name)
			for _, ip := range ips {
				records = append(records, ip.String())
			}
		case "mx":
			var mxs []*net.MX
			mxs, _, err = resolver.LookupMX(ctx, name)
			for _, mx := range mxs {
				records = append(records, fmt.Sprintf("%d %s", mx.Pref, strings.TrimSuffix(mx.Host, ".")))
			}
		default:
			return expand.Value{}, false, fmt.Errorf("unknown dnsdb record type %q", target.S)
		}
		if err != nil {
			if dns.IsNotFound(err) {
				return expand.Value{}, false, nil
			}
			return expand.Value{}, false, err
		}
		if len(records) == 0 {
			return expand.Value{}, false, nil
		}
		// DNS data is untrusted.
		return expand.Tainted(strings.Join(records, "\n")), true, nil
	}
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	callout := fs.Bool("callout", false, "ask the address's mail hosts whether they accept it")
	random := fs.Bool("random", false, "probe a random local part to detect accept-anything servers")
	noCache := fs.Bool("nocache", false, "bypass the hints database")
	sender := fs.String("sender", "", "envelope sender, used as callout MAIL FROM with -use-sender")
	useSender := fs.Bool("use-sender", false, "use -sender instead of <> in the callout")
	postmasterSender := fs.String("postmaster-sender", "", "also probe postmaster@domain, with this MAIL FROM")
	fs.Parse(args)
	if fs.NArg() == 0 {
		usage()
	}

	xcheckf(hintsdb.Init(context.Background()), "opening hints database")
	defer hintsdb.Close()

	// Route everything to a remote SMTP transport. Routing policy proper
	// (aliases, local domains) comes from the embedding mail server.
	router := routeAllRemote{}
	status := 0
	for _, addr := range fs.Args() {
		vd := verify.Verify(context.Background(), nil, router, addr, verify.Options{
			IsRecipient:             true,
			Callout:                 *callout,
			CalloutRandom:           *random,
			CalloutNoCache:          *noCache,
			Sender:                  *sender,
			RecipientUsesRealSender: *useSender,
			PostmasterSender:        *postmasterSender,
		})
		switch vd.Result {
		case verify.OK:
			fmt.Printf("%s: ok\n", addr)
		case verify.Defer:
			fmt.Printf("%s: defer (%s): %s\n", addr, vd.Class, vd.Message)
			if status == 0 {
				status = 1
			}
		case verify.Fail:
			if vd.Code != 0 {
				fmt.Printf("%s: fail (%s): %d %s\n", addr, vd.Class, vd.Code, vd.Message)
			} else {
				fmt.Printf("%s: fail (%s): %s\n", addr, vd.Class, vd.Message)
			}
			status = 2
		}
	}
	os.Exit(status)
}

type routeAllRemote struct{}

func (routeAllRemote) Route(ctx context.Context, log mlog.Log, addr smtp.Address, isRecipient bool) (verify.Route, error) {
	return verify.Route{Transport: &verify.Transport{Name: "remote"}}, nil
}

func cmdHostLookup(args []string) {
	fs := flag.NewFlagSet("hostlookup", flag.ExitOnError)
	srvService := fs.String("srv", "", "look up SRV records for this service instead of MX")
	ipv4Only := fs.Bool("ipv4only", false, "skip AAAA lookups")
	fs.Parse(args)
	if fs.NArg() == 0 {
		usage()
	}

	resolver := dns.StrictResolver{Pkg: "hostlookup"}
	for _, name := range fs.Args() {
		d, err := dns.ParseDomain(name)
		xcheckf(err, "parsing domain %s", name)
		flags := host.Flags{ByMX: true, IPv4Only: *ipv4Only}
		if *srvService != "" {
			flags = host.Flags{BySRV: true, SRVService: *srvService, IPv4Only: *ipv4Only}
		}
		chain, status, err := host.FindByDNS(context.Background(), nil, resolver, d, flags)
		if err != nil {
			fmt.Printf("%s: %s: %s\n", name, status, err)
			continue
		}
		fmt.Printf("%s: %s\n", name, status)
		for _, h := range chain {
			pref := ""
			if h.Pref >= 0 {
				pref = fmt.Sprintf(" pref %d", h.Pref)
			}
			port := ""
			if h.Port > 0 {
				port = fmt.Sprintf(" port %d", h.Port)
			}
			dnssec := ""
			if h.DNSSEC {
				dnssec = " dnssec"
			}
			fmt.Printf("\t%s %s%s%s%s\n", h.Name.Name(), h.Address, pref, port, dnssec)
		}
	}
}

func cmdReverse(args []string) {
	if len(args) == 0 {
		usage()
	}
	resolver := dns.StrictResolver{Pkg: "reverse"}
	for _, arg := range args {
		ip := net.ParseIP(arg)
		if ip == nil {
			xcheckf(fmt.Errorf("not an IP address"), "parsing %s", arg)
		}
		status, names, secure, err := host.ReverseLookup(context.Background(), nil, resolver, ip)
		if err != nil {
			fmt.Printf("%s: %s: %s\n", arg, status, err)
			continue
		}
		for _, name := range names {
			dnssec := ""
			if secure {
				dnssec = " dnssec"
			}
			fmt.Printf("%s: %s %s%s\n", arg, status, name.Name(), dnssec)
		}
	}
}

func cmdHintsDump(args []string) {
	var path string
	switch len(args) {
	case 0:
		path = config.Conf.Hints.Path
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(config.Conf.DataDir, path)
		}
	case 1:
		path = args[0]
	default:
		usage()
	}
	if path == "" {
		xcheckf(fmt.Errorf("no path in configuration and none given"), "finding hints database")
	}
	xcheckf(hintsdb.Dump(path, os.Stdout), "dumping hints database %s", path)
}

func cmdDescribeConf(args []string) {
	if len(args) != 0 {
		usage()
	}
	xcheckf(config.Describe(os.Stdout), "describing configuration")
}

// cmdQuotaCheck is the child side of quota verification, spawned by
// verify.VerifyQuota through a self-exec. It writes a JSON result to stdout.
func cmdQuotaCheck(args []string) {
	if len(args) != 1 {
		usage()
	}
	xcheckf(verify.QuotaChild(args[0], os.Stdout), "writing quota result")
}

func cmdVersion(args []string) {
	if len(args) != 0 {
		usage()
	}
	fmt.Println("moth " + mothvar.Version)
}
