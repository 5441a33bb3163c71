package byoc

import (
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/byoc/runs/abc/status", nil)
	r.Header.Set("Authorization", "Bearer brce_sometoken")
	if got := bearerToken(r); got != "brce_sometoken" {
		t.Errorf("bearerToken with Authorization header = %q, want %q", got, "brce_sometoken")
	}

	r2 := httptest.NewRequest("POST", "/v1/byoc/runs/abc/status", nil)
	r2.Header.Set("X-Callback-Token", "brce_othertoken")
	if got := bearerToken(r2); got != "brce_othertoken" {
		t.Errorf("bearerToken with X-Callback-Token header = %q, want %q", got, "brce_othertoken")
	}

	r3 := httptest.NewRequest("POST", "/v1/byoc/runs/abc/status", nil)
	if got := bearerToken(r3); got != "" {
		t.Errorf("bearerToken with no auth headers = %q, want empty", got)
	}
}
