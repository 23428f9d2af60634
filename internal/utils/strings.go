// Package utils provides small shared helpers.
package utils

// MaskKey masks a credential for safe logging, showing the first 8 and last
// 4 characters of long keys and nothing useful of short ones.
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
