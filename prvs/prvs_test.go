package prvs

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestSignCheck(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	tagged, err := Sign(nil, "user@example.org", "key", 3)
	if err != nil {
		t.Fatalf("sign: %s", err)
	}
	if re := regexp.MustCompile(`^prvs=3[0-9]{3}[0-9a-f]{6}=user@example\.org$`); !re.MatchString(tagged) {
		t.Fatalf("sign: got %q, expected prvs tag with selector 3", tagged)
	}

	addr, keynum, err := Check(nil, tagged, "key")
	if err != nil {
		t.Fatalf("check: %s", err)
	}
	if addr != "user@example.org" || keynum != 3 {
		t.Fatalf("check: got %q selector %d", addr, keynum)
	}

	if _, _, err := Check(nil, tagged, "otherkey"); !errors.Is(err, ErrVerify) {
		t.Fatalf("check with wrong key: got %v, expected ErrVerify", err)
	}
	if _, _, err := Check(nil, "user@example.org", "key"); !errors.Is(err, ErrSyntax) {
		t.Fatalf("check of untagged address: got %v, expected ErrSyntax", err)
	}
	if _, err := Sign(nil, "user@example.org", "", 0); !errors.Is(err, ErrSecret) {
		t.Fatalf("sign without key: got %v, expected ErrSecret", err)
	}
	if _, err := Sign(nil, "user@example.org", "key", 10); !errors.Is(err, ErrKeynum) {
		t.Fatalf("sign with bad selector: got %v, expected ErrKeynum", err)
	}
	if _, err := Sign(nil, "nodomain", "key", 0); !errors.Is(err, ErrAddress) {
		t.Fatalf("sign of malformed address: got %v, expected ErrAddress", err)
	}
}
