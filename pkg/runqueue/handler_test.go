package runqueue

import (
	"net/http/httptest"
	"testing"
)

func TestQueryInt(t *testing.T) {
	cases := []struct {
		url  string
		key  string
		def  int
		want int
	}{
		{"/x?limit=10", "limit", 25, 10},
		{"/x", "limit", 25, 25},
		{"/x?limit=notanumber", "limit", 25, 25},
		{"/x?after=42", "after", 0, 42},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", c.url, nil)
		if got := queryInt(r, c.key, c.def); got != c.want {
			t.Errorf("queryInt(%q, %q, %d) = %d, want %d", c.url, c.key, c.def, got, c.want)
		}
	}
}
