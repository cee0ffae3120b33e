package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the given environment variables.
// Missing variables are omitted from the result.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// RequireKeys wraps loader so that a load missing any of required fails.
func RequireKeys(loader Loader, required ...string) Loader {
	return func() (map[string]string, error) {
		vals, err := loader()
		if err != nil {
			return nil, err
		}
		var missing []string
		for _, k := range required {
			if vals[k] == "" {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("missing required secrets: %s", strings.Join(missing, ", "))
		}
		return vals, nil
	}
}
