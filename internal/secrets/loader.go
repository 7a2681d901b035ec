// Package secrets resolves credentials such as the model API key and provider tokens.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Source lists the places a secret may come from. The first non-empty one wins, in
// the order File, Env, Value.
type Source struct {
	// Name labels the secret in error messages.
	Name  string
	Value string
	// Env names an environment variable holding the secret.
	Env  string
	File string
}

// Load resolves src to a trimmed secret.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	if file := strings.TrimSpace(src.File); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("%s file %q is empty", name, file)
		}
		return secret, nil
	}

	if env := strings.TrimSpace(src.Env); env != "" {
		if secret := strings.TrimSpace(os.Getenv(env)); secret != "" {
			return secret, nil
		}
	}

	if secret := strings.TrimSpace(src.Value); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("%s is not configured", name)
}

// Optional is Load for secrets that may be absent. It returns "" when no source is set.
func Optional(src Source) (string, error) {
	if strings.TrimSpace(src.File) == "" && strings.TrimSpace(src.Value) == "" &&
		(strings.TrimSpace(src.Env) == "" || strings.TrimSpace(os.Getenv(src.Env)) == "") {
		return "", nil
	}
	return Load(src)
}
