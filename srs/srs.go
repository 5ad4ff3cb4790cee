// Package srs implements the Sender Rewriting Scheme for forwarding messages
// while passing SPF checks at the destination.
//
// The original sender address is encoded into a signed, timestamped local
// part at the forwarding domain: SRS0=HHHH=TT=origdomain=origlocal@forwarder.
// HHHH is a truncated HMAC-MD5 over the timestamp, original domain and
// original local part. TT encodes days-since-epoch modulo 1024 in two base32
// characters. Bounces arriving at the SRS0 address are validated and decoded
// back to the original address.
package srs

import (
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mailmoth/moth/mlog"
	"github.com/mailmoth/moth/stub"
)

var (
	MetricForward stub.Counter    = stub.CounterIgnore{}
	MetricReverse stub.CounterVec = stub.CounterVecIgnore{}
)

var (
	ErrSecret  = errors.New("srs: no secret configured")
	ErrAddress = errors.New("srs: malformed address")
	ErrSyntax  = errors.New("srs: not an srs0 address")
	ErrVerify  = errors.New("srs: verification failed")
	ErrExpired = errors.New("srs: timestamp out of date")
)

const base32alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// Bounces validate for this long after encoding, under modular comparison of
// the two-character day counter.
const maxAgeDays = 10

var srs0Regexp = regexp.MustCompile(`^(?i)SRS0=([^=]+)=([A-Z2-7]{2})=([^=]*)=(.*)$`)

var timeNow = time.Now

// timestamp returns the two-character base32 day counter for t.
func timestamp(t time.Time) string {
	days := int(t.Unix()/86400) % 1024
	return string([]byte{base32alphabet[(days>>5)&0x1f], base32alphabet[days&0x1f]})
}

// signature returns four base32 characters holding the first 20 bits of the
// HMAC-MD5 over the lowercased timestamp, domain and local part.
func signature(secret, ts, domain, local string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(ts + domain + local)))
	sum := mac.Sum(nil)
	v := (uint32(sum[0])<<16 | uint32(sum[1])<<8 | uint32(sum[2])) >> 4
	b := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		b[i] = base32alphabet[v&0x1f]
		v >>= 5
	}
	return string(b)
}

// Forward encodes sender (a "local@domain" address) for forwarding through
// domain, returning the full rewritten address. The first secret signs.
func Forward(elog *slog.Logger, secrets []string, sender, domain string) (string, error) {
	log := mlog.New("srs", elog)

	if len(secrets) == 0 || secrets[0] == "" {
		return "", ErrSecret
	}
	at := strings.LastIndex(sender, "@")
	if at <= 0 || at == len(sender)-1 {
		return "", fmt.Errorf("%w: %q", ErrAddress, sender)
	}
	local, senderDomain := sender[:at], sender[at+1:]

	MetricForward.Inc()
	ts := timestamp(timeNow())
	sig := signature(secrets[0], ts, senderDomain, local)
	rewritten := fmt.Sprintf("SRS0=%s=%s=%s=%s@%s", sig, ts, senderDomain, local, domain)
	log.Debug("srs forward", slog.String("sender", sender), slog.String("rewritten", rewritten))
	return rewritten, nil
}

// Reverse validates an SRS0 local part and returns the original address. All
// secrets are tried, so secrets can be rotated by prepending a new one.
func Reverse(elog *slog.Logger, secrets []string, localPart string) (addr string, rerr error) {
	log := mlog.New("srs", elog)

	defer func() {
		result := "fail"
		if rerr == nil {
			result = "ok"
		}
		MetricReverse.IncLabels(result)
		log.Debugx("srs reverse result", rerr, slog.String("localpart", localPart), slog.String("address", addr))
	}()

	if len(secrets) == 0 || secrets[0] == "" {
		return "", ErrSecret
	}
	m := srs0Regexp.FindStringSubmatch(localPart)
	if m == nil {
		return "", ErrSyntax
	}
	sig, ts, domain, local := m[1], m[2], m[3], m[4]

	days := 0
	for _, c := range strings.ToUpper(ts) {
		j := strings.IndexByte(base32alphabet, byte(c))
		if j < 0 {
			return "", fmt.Errorf("%w: bad timestamp character", ErrSyntax)
		}
		days = days<<5 | j
	}
	now := int(timeNow().Unix()/86400) % 1024
	if age := (now - days + 1024) % 1024; age > maxAgeDays {
		return "", fmt.Errorf("%w: %d days old", ErrExpired, age)
	}

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if strings.EqualFold(sig, signature(secret, ts, domain, local)) {
			return local + "@" + domain, nil
		}
	}
	return "", ErrVerify
}
