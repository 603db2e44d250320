package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"vibe-trader/internal/config"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdefg", "ab*****"},
		{"sk-1234567890", "sk-1*****7890"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskCredential(tt.in))
	}
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		leaks string
		keeps string
	}{
		{"key value pair", "request failed: private_key=" + testKey, testKey, "private_key="},
		{"bare hex key", "cannot parse 0x" + testKey, testKey, "cannot parse"},
		{"openai key", "401 from upstream for sk-abcdefghijklmnopqrstuvwxyz", "sk-abcdefghijklmnopqrstuvwxyz", "401 from upstream"},
		{"address is public", "user 0x63FaC9201494f0bd17B9892B9fae4d52fe3BD377", "", "0x63FaC9201494f0bd17B9892B9fae4d52fe3BD377"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := MaskSensitive(tt.in)
			if tt.leaks != "" {
				assert.NotContains(t, out, tt.leaks)
			}
			assert.Contains(t, out, tt.keeps)
		})
	}
}

func TestContainsSensitiveData(t *testing.T) {
	assert.True(t, ContainsSensitiveData("api_key: abcdef"))
	assert.True(t, ContainsSensitiveData(testKey))
	assert.False(t, ContainsSensitiveData("BTCUSDT BUY 0.001"))
}

func TestLogWithoutCredentials(t *testing.T) {
	out := LogWithoutCredentials(map[string]interface{}{
		"private_key": testKey,
		"token":       12345,
		"symbol":      "BTCUSDT",
		"qty":         0.5,
	})

	assert.False(t, strings.Contains(out["private_key"].(string), testKey))
	assert.Equal(t, "***", out["token"])
	assert.Equal(t, "BTCUSDT", out["symbol"])
	assert.Equal(t, 0.5, out["qty"])
}

func TestMaskCredentials(t *testing.T) {
	creds := config.Credentials{
		Aster: config.AsterCredentials{
			UserAddress:   "0x63FaC9201494f0bd17B9892B9fae4d52fe3BD377",
			SignerAddress: "0x21cF0b2A5A6b1d8e2bBfb1f4e0aC1E1D9B2c3d4E",
			PrivateKey:    testKey,
		},
		OpenAI: config.OpenAICredentials{APIKey: "sk-abcdefghijklmnopqrstuvwxyz"},
	}

	masked := MaskCredentials(creds)
	assert.Equal(t, creds.Aster.UserAddress, masked.UserAddress)
	assert.NotEqual(t, testKey, masked.PrivateKey)
	assert.True(t, strings.HasPrefix(masked.PrivateKey, "4c08"))
	assert.True(t, strings.HasSuffix(masked.OpenAIKey, "wxyz"))
}
