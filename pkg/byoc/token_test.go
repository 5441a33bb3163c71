package byoc

import (
	"strings"
	"testing"

	"github.com/butlerdotdev/butler-registry/internal/reqctx"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	token, hash, err := GenerateToken(PrefixCallback)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if !strings.HasPrefix(token, PrefixCallback) {
		t.Errorf("token %q missing prefix %q", token, PrefixCallback)
	}
	if !VerifyToken(token, hash) {
		t.Error("freshly generated token should verify against its own hash")
	}
}

func TestVerifyTokenRejectsWrongToken(t *testing.T) {
	_, hash, err := GenerateToken(PrefixCallback)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	other, _, err := GenerateToken(PrefixCallback)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if VerifyToken(other, hash) {
		t.Error("a different token must not verify against another token's hash")
	}
	if VerifyToken("", hash) {
		t.Error("an empty token must never verify")
	}
	if VerifyToken(other, "") {
		t.Error("an empty stored hash must never verify")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		token  string
		want   reqctx.TokenKind
		wantOk bool
	}{
		{"breg_abc123", reqctx.TokenKindRegistry, true},
		{"brce_abc123", reqctx.TokenKindCallback, true},
		{"sk_abc123", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := KindOf(c.token)
		if ok != c.wantOk || got != c.want {
			t.Errorf("KindOf(%q) = (%q, %v), want (%q, %v)", c.token, got, ok, c.want, c.wantOk)
		}
	}
}
