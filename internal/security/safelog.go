// Package security keeps secrets out of logs, alerts and CLI output.
package security

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"vibe-trader/internal/config"
)

// sensitiveFields contains field names whose values are always masked.
var sensitiveFields = map[string]bool{
	"api_key":     true,
	"apikey":      true,
	"secret":      true,
	"password":    true,
	"token":       true,
	"bearer":      true,
	"private_key": true,
	"privatekey":  true,
	"secret_key":  true,
}

// sensitivePatterns find secrets embedded in free text.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|private[_-]?key|access[_-]?token|bearer|password)([=:\s]+)["']?([^\s"'&,]+)["']?`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	// a bare secp256k1 key; 40-digit addresses are public and left alone
	regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`),
}

// MaskCredential keeps the first and last four characters of long values.
func MaskCredential(value string) string {
	switch n := len(value); {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:2] + strings.Repeat("*", n-2)
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

// MaskSensitive masks every secret found in input.
func MaskSensitive(input string) string {
	out := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		parts := sensitivePatterns[0].FindStringSubmatch(match)
		return parts[1] + parts[2] + MaskCredential(parts[3])
	})
	for _, pattern := range sensitivePatterns[1:] {
		out = pattern.ReplaceAllStringFunc(out, MaskCredential)
	}
	return out
}

// ContainsSensitiveData reports whether input looks like it carries a secret.
func ContainsSensitiveData(input string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// IsSensitiveField reports whether values under key are secrets.
func IsSensitiveField(key string) bool {
	return sensitiveFields[strings.ToLower(key)]
}

// LogWithoutCredentials copies data with secret values masked.
func LogWithoutCredentials(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		str, isString := v.(string)
		switch {
		case IsSensitiveField(k) && isString:
			result[k] = MaskCredential(str)
		case IsSensitiveField(k):
			result[k] = "***"
		case isString:
			result[k] = MaskSensitive(str)
		default:
			result[k] = v
		}
	}
	return result
}

// MaskedCredentials is the display form of the configured credentials.
type MaskedCredentials struct {
	UserAddress   string `json:"userAddress"`
	SignerAddress string `json:"signerAddress"`
	PrivateKey    string `json:"privateKey"`
	OpenAIKey     string `json:"openaiApiKey"`
}

// MaskCredentials returns creds safe to print. Addresses are public and
// shown in full.
func MaskCredentials(creds config.Credentials) MaskedCredentials {
	return MaskedCredentials{
		UserAddress:   creds.Aster.UserAddress,
		SignerAddress: creds.Aster.SignerAddress,
		PrivateKey:    MaskCredential(creds.Aster.PrivateKey),
		OpenAIKey:     MaskCredential(creds.OpenAI.APIKey),
	}
}

// LogCredentialStatus records which credentials are present without their values.
func LogCredentialStatus(logger zerolog.Logger, creds config.Credentials) {
	logger.Info().
		Bool("aster_configured", creds.Aster.Configured()).
		Str("user_address", creds.Aster.UserAddress).
		Str("signer_address", creds.Aster.SignerAddress).
		Bool("openai_configured", creds.OpenAI.APIKey != "").
		Msg("Credentials loaded")
}
