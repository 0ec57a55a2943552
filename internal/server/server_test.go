package server

import "testing"

func TestJWTSkipPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/auth/login", want: true},
		{path: "/api/media", want: false},
		{path: "/api/diagnostics/status", want: false},
		{path: "/auth/login/extra", want: false},
	}

	for _, tc := range cases {
		_, got := jwtSkipPaths[tc.path]
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
