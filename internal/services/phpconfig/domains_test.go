package phpconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTrustedDomain(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"localhost", true},
		{"localhost:8080", true},
		{"192.168.1.10", true},
		{"192.168.1.10:443", true},
		{"100.64.0.1:65535", true},
		{"100.64.0.1:65536", false},
		{"100.64.0.1:0", false},
		{"100.64.0.1:", false},
		{"fd7a:115c:a1e0::1", true},
		{"[fd7a:115c:a1e0::1]", true},
		{"[fd7a:115c:a1e0::1]:8443", true},
		{"[not-ipv6]", false},
		{"nextcloud.example.com", true},
		{"box.tailnet-abc.ts.net", true},
		{"*.example.com", true},
		{"*.example.com:8080", true},
		{"*.192.168.1.1", false},
		{"nextcloud", true},
		{"", false},
		{"has space.com", false},
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{"under_score.com", false},
		{"999.1.1.1", false},
		{"host:abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			err := ValidateTrustedDomain(tt.value)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
