package source

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CredentialResolver turns a credential reference into a secret value.
type CredentialResolver interface {
	Resolve(ref string) (string, error)
}

var unsafeEnvChars = regexp.MustCompile(`[^A-Z0-9_]`)

// SecretResolver reads credentials from files named after the reference inside
// Dir, falling back to an environment variable derived from the reference
// (GithubPersonalAccessToken -> GITHUBPERSONALACCESSTOKEN).
type SecretResolver struct {
	Dir string
}

// Resolve implements CredentialResolver.
func (r SecretResolver) Resolve(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return "", apperrors.Validation("credentialRef", fmt.Sprintf("invalid credential reference %q", ref))
	}
	if r.Dir != "" {
		if secret := config.GetSecretFile(filepath.Join(r.Dir, ref)); secret != "" {
			return secret, nil
		}
	}
	if secret := strings.TrimSpace(os.Getenv(EnvName(ref))); secret != "" {
		return secret, nil
	}
	return "", apperrors.NotFound("credential", ref)
}

// EnvName returns the environment variable consulted for a credential reference.
func EnvName(ref string) string {
	return unsafeEnvChars.ReplaceAllString(strings.ToUpper(ref), "_")
}
