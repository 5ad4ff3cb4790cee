// Package prvs implements bounce address tag validation (BATV) with prvs
// tags on return paths.
//
// An outgoing return path "user@domain" is rewritten to
// "prvs=Ddddhhhhhh=user@domain": D is a single key-selector digit, ddd is
// days-since-epoch modulo 1000, hhhhhh is six hex characters of an HMAC-SHA1
// truncated to three octets over the selector digit, the day counter and the
// address, under a secret key. Bounces (with empty MAIL FROM) arriving for an
// untagged or badly-tagged local part can then be rejected as forged.
package prvs

import (
	"crypto/hmac"
	"crypto/sha1"
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
	MetricSign  stub.Counter    = stub.CounterIgnore{}
	MetricCheck stub.CounterVec = stub.CounterVecIgnore{}
)

var (
	ErrSecret  = errors.New("prvs: no secret configured")
	ErrAddress = errors.New("prvs: malformed address")
	ErrKeynum  = errors.New("prvs: bad key number")
	ErrSyntax  = errors.New("prvs: not a prvs address")
	ErrVerify  = errors.New("prvs: verification failed")
)

var prvsRegexp = regexp.MustCompile(`^prvs=([0-9])([0-9]{3})([0-9A-Fa-f]{6})=(.+)$`)

var timeNow = time.Now

func hash(key string, keynum byte, daystamp, address string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte{keynum})
	mac.Write([]byte(daystamp))
	mac.Write([]byte(address))
	sum := mac.Sum(nil)
	return fmt.Sprintf("%02x%02x%02x", sum[0], sum[1], sum[2])
}

// Sign returns the prvs-tagged form of address ("local@domain"), signed with
// key under key selector keynum (0 through 9).
func Sign(elog *slog.Logger, address, key string, keynum int) (string, error) {
	log := mlog.New("prvs", elog)

	if key == "" {
		return "", ErrSecret
	}
	if keynum < 0 || keynum > 9 {
		return "", fmt.Errorf("%w: %d", ErrKeynum, keynum)
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", fmt.Errorf("%w: %q", ErrAddress, address)
	}

	MetricSign.Inc()
	d := byte('0' + keynum)
	daystamp := fmt.Sprintf("%03d", int(timeNow().Unix()/86400)%1000)
	h := hash(key, d, daystamp, address)
	tagged := fmt.Sprintf("prvs=%c%s%s=%s", d, daystamp, h, address)
	log.Debug("prvs sign", slog.String("address", address), slog.String("tagged", tagged))
	return tagged, nil
}

// Check validates a prvs-tagged address and returns the original address and
// the key selector digit. ErrSyntax means the address carries no prvs tag at
// all, ErrVerify that the tag is present but does not validate.
func Check(elog *slog.Logger, tagged, key string) (address string, keynum int, rerr error) {
	log := mlog.New("prvs", elog)

	defer func() {
		result := "fail"
		if rerr == nil {
			result = "ok"
		}
		MetricCheck.IncLabels(result)
		log.Debugx("prvs check result", rerr, slog.String("tagged", tagged), slog.String("address", address))
	}()

	if key == "" {
		return "", 0, ErrSecret
	}
	m := prvsRegexp.FindStringSubmatch(tagged)
	if m == nil {
		return "", 0, ErrSyntax
	}
	d, daystamp, sig, orig := m[1][0], m[2], m[3], m[4]
	if !strings.EqualFold(sig, hash(key, d, daystamp, orig)) {
		return "", 0, ErrVerify
	}
	return orig, int(d - '0'), nil
}
