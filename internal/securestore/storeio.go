package securestore

import "strings"

// NormalizeStorageConfig trims persisted path/secret values.
func NormalizeStorageConfig(path, secret string) (string, string) {
	return strings.TrimSpace(path), strings.TrimSpace(secret)
}

// IsStorageConfigured reports whether encrypted persistence is configured.
func IsStorageConfigured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}
