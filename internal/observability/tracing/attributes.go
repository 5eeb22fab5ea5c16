package tracing

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
)

var sensitiveAttributeKeys = []string{
	"secret",
	"token",
	"api_key",
	"authorization",
	"signature",
	"account",
	"client_secret",
}

// SafeAttributes drops attributes with sensitive keys.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// ID renders a snowflake identifier as a span attribute.
func ID(key string, id snowflake.ID) attribute.KeyValue {
	return attribute.String(key, id.String())
}

// Amount renders a minor-unit amount with its currency.
func Amount(amount int64, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("money.amount_minor", amount),
		attribute.String("money.currency", currency),
	}
}

// SafeError keeps only the error type so span exports never carry payload details.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%T", err)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveAttributeKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
