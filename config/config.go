// Package config holds the static configuration for moth, parsed from
// moth.conf in sconf format.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mailmoth/moth/dns"
	"github.com/mailmoth/moth/mlog"
)

// Static is the parsed form of the moth.conf configuration file. Fields with
// an sconf tag "-" are derived during Prepare and not read from the file.
type Static struct {
	DataDir  string `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the hints database and other state is stored. If this is a relative path, it is relative to the directory of moth.conf."`
	LogLevel string `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs full SMTP and expansion traffic, useful for debugging."`
	Hostname string `sconf-doc:"Fully qualified hostname, announced in EHLO during callouts and used to qualify unqualified addresses."`

	HostsTreatAsLocal []string `sconf:"optional" sconf-doc:"Host names considered to be the local host during host-chain resolution, in addition to names resolving to an address on a local network interface. Hosts at and above a matching MX preference are pruned from delivery chains."`

	DNS       DNS       `sconf:"optional" sconf-doc:"DNS resolution policy."`
	Callout   Callout   `sconf:"optional" sconf-doc:"Defaults for address-verification callouts."`
	Transport Transport `sconf:"optional" sconf-doc:"Message framing options for outgoing deliveries."`
	Hints     Hints     `sconf:"optional" sconf-doc:"Hints database, caching callout verdicts and waiting-host records."`
	SRS       SRS       `sconf:"optional" sconf-doc:"Sender Rewriting Scheme, for forwarding while passing SPF checks."`
	PRVS      PRVS      `sconf:"optional" sconf-doc:"Bounce address tag validation (BATV) with prvs tags."`

	HostnameDomain       dns.Domain     `sconf:"-" json:"-"`
	HostsTreatAsLocalD   []dns.Domain   `sconf:"-" json:"-"`
	LogLevelParsed       slog.Level     `sconf:"-" json:"-"`
}

// DNS configures per-domain resolution policy for the host-chain builder.
type DNS struct {
	DNSSECRequireDomains []string `sconf:"optional" sconf-doc:"Domains for which DNSSEC-authenticated responses are required. Insecure responses result in a security failure instead of a host chain."`
	DNSSECRequestDomains []string `sconf:"optional" sconf-doc:"Domains for which DNSSEC authentication is requested and recorded on host items, but not required."`
	SRVFailDomains       []string `sconf:"optional" sconf-doc:"Domains for which a SERVFAIL or timeout on the SRV lookup is treated as no-data instead of a defer."`
	MXFailDomains        []string `sconf:"optional" sconf-doc:"Domains for which a SERVFAIL or timeout on the MX lookup is treated as no-data instead of a defer."`
	IPv4Lookup           []string `sconf:"optional" sconf-doc:"Domains for which only A records are looked up, skipping AAAA."`
	IPv4First            bool     `sconf:"optional" sconf-doc:"Place IPv4 addresses before IPv6 within the same MX/SRV preference."`
}

// Callout holds defaults for the SMTP verification callout engine.
type Callout struct {
	ConnectTimeout time.Duration `sconf:"optional" sconf-doc:"Timeout for connecting to a single host during a callout. Default 30s."`
	Timeout        time.Duration `sconf:"optional" sconf-doc:"Timeout per SMTP command during a callout. Default 30s."`
	OverallTimeout time.Duration `sconf:"optional" sconf-doc:"Wall-clock budget for a complete callout, across all hosts tried. Default 4m."`
	RandomLocal    string        `sconf:"optional" sconf-doc:"Expansion producing the random local part for the accepts-anything probe, e.g. containing ${randint:...}. Empty disables random probing unless requested per callout."`
}

// Transport holds message framing options for the delivery writer.
type Transport struct {
	CheckString     string        `sconf:"optional" sconf-doc:"String checked for at the start of each line of the message. Default is '.' for SMTP."`
	EscapeString    string        `sconf:"optional" sconf-doc:"Replacement written when a line starts with the check string. Default is '..' for SMTP."`
	MaxLineLength   bool          `sconf:"optional" sconf-doc:"Truncate lines over 998 octets, excluding CRLF."`
	MessageSizeLimit int64        `sconf:"optional" sconf-doc:"Maximum framed message size in bytes. 0 means no limit."`
	Filter          []string      `sconf:"optional" sconf-doc:"Command and arguments of a transport filter. The unframed message is written to the filter's stdin, its stdout is framed and transmitted."`
	FilterTimeout   time.Duration `sconf:"optional" sconf-doc:"Timeout applied to each read from the transport filter. Default 5m."`
}

// Hints configures the hints database.
type Hints struct {
	Path   string        `sconf:"optional" sconf-doc:"Path of the hints database file. Default callout.db in the data directory."`
	Expiry time.Duration `sconf:"optional" sconf-doc:"Age after which cached callout verdicts are treated as absent. Default 24h for domain and address records, 7 days for known-good domains."`
}

// SRS configures sender rewriting.
type SRS struct {
	Secrets []string `sconf:"optional" sconf-doc:"Secrets for signing and verifying SRS addresses. The first is used for signing, all are tried for verification, allowing rotation."`
}

// PRVS configures bounce address tag validation.
type PRVS struct {
	Secret string `sconf:"optional" sconf-doc:"Secret for signing and verifying prvs tags on return paths."`
}

var pkglog = mlog.New("config", nil)

// Conf is the active configuration. Set by Load during startup.
var Conf Static

// Load reads the configuration from path, prepares derived fields and makes
// it the active configuration.
func Load(path string) error {
	var c Static
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %v", err)
	}
	defer func() {
		err := f.Close()
		pkglog.Check(err, "closing config file")
	}()
	if err := sconf.Parse(f, &c); err != nil {
		return fmt.Errorf("parsing %s: %v", path, err)
	}
	if err := c.Prepare(); err != nil {
		return fmt.Errorf("checking %s: %v", path, err)
	}
	Conf = c
	return nil
}

// Prepare parses and validates derived fields and fills in defaults.
func (c *Static) Prepare() error {
	if c.Hostname != "" {
		d, err := dns.ParseDomain(c.Hostname)
		if err != nil {
			return fmt.Errorf("parsing hostname: %v", err)
		}
		c.HostnameDomain = d
	}
	c.HostsTreatAsLocalD = nil
	for _, s := range c.HostsTreatAsLocal {
		d, err := dns.ParseDomainLax(s)
		if err != nil {
			return fmt.Errorf("parsing local host %q: %v", s, err)
		}
		c.HostsTreatAsLocalD = append(c.HostsTreatAsLocalD, d)
	}
	switch c.LogLevel {
	case "":
		c.LogLevelParsed = slog.LevelInfo
	default:
		level, ok := mlog.Levels[c.LogLevel]
		if !ok {
			return fmt.Errorf("unknown log level %q", c.LogLevel)
		}
		c.LogLevelParsed = level
	}
	if c.Callout.ConnectTimeout == 0 {
		c.Callout.ConnectTimeout = 30 * time.Second
	}
	if c.Callout.Timeout == 0 {
		c.Callout.Timeout = 30 * time.Second
	}
	if c.Callout.OverallTimeout == 0 {
		c.Callout.OverallTimeout = 4 * time.Minute
	}
	if c.Transport.CheckString == "" {
		c.Transport.CheckString = "."
	}
	if c.Transport.EscapeString == "" {
		c.Transport.EscapeString = ".."
	}
	if c.Transport.FilterTimeout == 0 {
		c.Transport.FilterTimeout = 5 * time.Minute
	}
	if c.Hints.Path == "" {
		c.Hints.Path = "callout.db"
	}
	if c.Hints.Expiry == 0 {
		c.Hints.Expiry = 24 * time.Hour
	}
	return nil
}

// Describe writes an annotated example configuration file to w.
func Describe(w io.Writer) error {
	c := Static{
		DataDir:  "data",
		LogLevel: "info",
		Hostname: "mail.example.org",
	}
	if err := c.Prepare(); err != nil {
		return err
	}
	return sconf.Describe(w, &c)
}
