package srs

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestForwardReverse(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	secrets := []string{"sec"}
	rewritten, err := Forward(nil, secrets, "user@orig.example", "fwd.example")
	if err != nil {
		t.Fatalf("forward: %s", err)
	}
	if !strings.HasSuffix(rewritten, "@fwd.example") {
		t.Fatalf("forward: got %q, expected address at fwd.example", rewritten)
	}
	local := strings.TrimSuffix(rewritten, "@fwd.example")
	if re := regexp.MustCompile(`^(?i)SRS0=([^=]+)=([A-Z2-7]{2})=([^=]*)=(.*)$`); !re.MatchString(local) {
		t.Fatalf("forward: local part %q does not match srs0 syntax", local)
	}

	addr, err := Reverse(nil, secrets, local)
	if err != nil {
		t.Fatalf("reverse: %s", err)
	}
	if addr != "user@orig.example" {
		t.Fatalf("reverse: got %q, expected user@orig.example", addr)
	}

	// Lowercased transport of the local part must still validate.
	addr, err = Reverse(nil, secrets, strings.ToLower(local))
	if err != nil || addr != "user@orig.example" {
		t.Fatalf("reverse lowercased: got %q, %v", addr, err)
	}

	// Rotated secrets, new secret first, old still accepted.
	if _, err := Reverse(nil, []string{"newsec", "sec"}, local); err != nil {
		t.Fatalf("reverse with rotated secrets: %s", err)
	}

	if _, err := Reverse(nil, []string{"other"}, local); !errors.Is(err, ErrVerify) {
		t.Fatalf("reverse with wrong secret: got %v, expected ErrVerify", err)
	}

	// Within the 10-day window.
	timeNow = func() time.Time { return now.Add(9 * 24 * time.Hour) }
	if _, err := Reverse(nil, secrets, local); err != nil {
		t.Fatalf("reverse at 9 days: %s", err)
	}

	// Beyond it.
	timeNow = func() time.Time { return now.Add(11 * 24 * time.Hour) }
	if _, err := Reverse(nil, secrets, local); !errors.Is(err, ErrExpired) {
		t.Fatalf("reverse at 11 days: got %v, expected ErrExpired", err)
	}

	timeNow = func() time.Time { return now }
	if _, err := Reverse(nil, secrets, "plainuser"); !errors.Is(err, ErrSyntax) {
		t.Fatalf("reverse of non-srs local part: got %v, expected ErrSyntax", err)
	}
	if _, err := Forward(nil, nil, "user@orig.example", "fwd.example"); !errors.Is(err, ErrSecret) {
		t.Fatalf("forward without secret: got %v, expected ErrSecret", err)
	}
	if _, err := Forward(nil, secrets, "nodomain", "fwd.example"); !errors.Is(err, ErrAddress) {
		t.Fatalf("forward of malformed sender: got %v, expected ErrAddress", err)
	}
}
