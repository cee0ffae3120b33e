// Package secrets holds credentials in memory and reloads them on demand or
// on SIGHUP.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// Well-known secret names.
const (
	InstanceAPIToken   = "INSTANCE_API_TOKEN"
	AWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	AdminDSN           = "TENANTFORGE_PG_ADMIN_DSN"
)

// Known lists every secret the orchestrator reads.
var Known = []string{InstanceAPIToken, AWSAccessKeyID, AWSSecretAccessKey, AdminDSN}

// minRedactLen is the shortest secret RedactString will replace.
const minRedactLen = 4

// Loader retrieves secrets from a source.
type Loader func() (map[string]string, error)

// Vault holds secret values and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" if not set.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Getter returns a func that reads key on every call.
func (v *Vault) Getter(key string) func() string {
	return func() string { return v.Get(key) }
}

// Keys returns the names of all loaded secrets.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Redacted returns a masked form of the secret for key suitable for logs.
func (v *Vault) Redacted(key string) string {
	return mask(v.Get(key))
}

// RedactString replaces every loaded secret occurring in s with its mask.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < minRedactLen {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= minRedactLen:
		return "****"
	default:
		return val[:2] + "****"
	}
}

// Reload calls the loader and swaps in the new values. On error the
// existing values are kept.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// WatchSIGHUP reloads the vault on every SIGHUP until ctx is done.
func (v *Vault) WatchSIGHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := v.Reload(); err != nil {
					slog.Error("secret reload failed", "error", err)
					continue
				}
				slog.Info("secrets reloaded", "keys", len(v.Keys()))
			}
		}
	}()
}
