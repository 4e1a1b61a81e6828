package hostutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateHost(t *testing.T) {
	for _, host := range []string{
		"media.local",
		"cam-3.site-north.example.com",
		"localhost",
		"10.0.0.7",
		"2001:db8::1",
		"[2001:db8::1]",
	} {
		assert.NoError(t, ValidateHost(host), host)
	}

	for _, host := range []string{
		"",
		"999.1.2.3",
		"1.2.3.4.5:",
		"-leading.example.com",
		"trailing-.example.com",
		"under_score.example.com",
		"zzzz::zzzz",
	} {
		assert.Error(t, ValidateHost(host), host)
	}
}
