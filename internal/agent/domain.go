package agent

import (
	"os"
	"strings"
)

// ResolveDomain читает домен из первого непустого файла, иначе возвращает fallback
func ResolveDomain(paths []string, fallback string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if d := strings.TrimSpace(string(data)); d != "" {
			return d
		}
	}
	return fallback
}
