package cibus

import (
	"testing"

	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
)

func TestParseCreditLabel(t *testing.T) {
	cases := []struct {
		in   string
		want money.Amount
		ok   bool
	}{
		{"סכום לחיוב בכרטיס אשראי: 12.5 ש\"ח", money.MustParse("12.5"), true},
		{"charge: ₪2", money.FromShekels(2), true},
		{"no separator here", 0, false},
		{"charge: not-a-number", 0, false},
	}
	for _, tc := range cases {
		got, err := parseCreditLabel(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("parseCreditLabel(%q): err=%v ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("parseCreditLabel(%q)=%d want %d", tc.in, got.Agorot(), tc.want.Agorot())
		}
	}
}

func TestCredentialsValidate(t *testing.T) {
	if err := (Credentials{Username: "u", Password: "p", Company: "c"}).Validate(); err != nil {
		t.Fatalf("valid creds rejected: %v", err)
	}
	if err := (Credentials{Username: "u"}).Validate(); err == nil {
		t.Fatal("incomplete creds accepted")
	}
}
