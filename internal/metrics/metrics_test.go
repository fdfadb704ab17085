package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/ping", "/ping"},
		{"/proxy/https//example.com/a/b", "/proxy"},
		{"/0123abcd/2018-06-01/runtime/invocation/next", "/runtime"},
		{"/api/functions/api/invoke", "/api/functions/{id}/invoke"},
		{"/api/functions", "/api/functions"},
		{"/" + strings.Repeat("x", 150), "/" + strings.Repeat("x", 99)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.path), tt.path)
	}
}
