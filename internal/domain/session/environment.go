package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprinter derives a stable, non-reversible tag for a secret set so
// logs can tell configurations apart without revealing values.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter uses key, or a random per-process key when key is empty.
func NewFingerprinter(key []byte) (*Fingerprinter, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate fingerprint key: %w", err)
		}
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("fingerprint key longer than %d bytes", blake2b.Size)
	}
	return &Fingerprinter{key: key}, nil
}

// Fingerprint hashes the sorted key/value pairs of secrets.
func (f *Fingerprinter) Fingerprint(secrets map[string]string) string {
	if len(secrets) == 0 {
		return ""
	}
	h, err := blake2b.New(8, f.key)
	if err != nil {
		return ""
	}
	for _, k := range sortedKeys(secrets) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(secrets[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildEnv turns a config into container environment variables. Secrets
// come last and may not shadow the session variables.
func buildEnv(cfg ContainerConfig) ([]string, error) {
	env := []string{"SESSION_ID=" + cfg.SessionID}
	reserved := map[string]bool{"SESSION_ID": true}

	add := func(key, value string) {
		reserved[key] = true
		if value != "" {
			env = append(env, key+"="+value)
		}
	}
	add("REPO_URL", cfg.RepoURL)
	add("BRANCH", cfg.Branch)
	add("BASE_BRANCH", cfg.BaseBranch)
	add("GIT_AUTHOR_NAME", cfg.User.Name)
	add("GIT_AUTHOR_EMAIL", cfg.User.Email)
	add("GIT_COMMITTER_NAME", cfg.User.Name)
	add("GIT_COMMITTER_EMAIL", cfg.User.Email)

	for _, k := range sortedKeys(cfg.Secrets) {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("%w: secret name %q", ErrInvalidConfig, k)
		}
		if reserved[k] {
			return nil, fmt.Errorf("%w: secret %q shadows a session variable", ErrInvalidConfig, k)
		}
		env = append(env, k+"="+cfg.Secrets[k])
	}
	return env, nil
}
