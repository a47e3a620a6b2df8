package delivery

import (
	"fmt"
	"os"
	"strings"
)

// secretError carries one of the typed failureReason codes spec §4.6
// requires secret resolution to distinguish.
type secretError struct {
	reason string
	err    error
}

func (e *secretError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }

const (
	reasonSecretRefInvalid        = "secret_ref_invalid"
	reasonSecretProviderForbidden = "secret_provider_forbidden"
	reasonSecretProviderUnavail   = "secret_provider_unavailable"
	reasonSecretNotFound          = "secret_not_found"
	reasonSecretReadFailed        = "secret_read_failed"
	reasonSecretError             = "secret_error"
)

// resolveSecret returns inline if set, otherwise dereferences ref.
// Supported ref schemes: "env:NAME" reads an environment variable,
// "file:/path" reads a file's trimmed contents. Any other scheme is
// rejected as secret_ref_invalid — this service has no secret-manager
// integration, so provider-style refs always fail secret_provider_unavailable.
func resolveSecret(inline, ref string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if ref == "" {
		return "", &secretError{reasonSecretRefInvalid, fmt.Errorf("secret ref is empty")}
	}

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", &secretError{reasonSecretRefInvalid, fmt.Errorf("malformed secret ref %q", ref)}
	}

	switch scheme {
	case "env":
		v, ok := os.LookupEnv(rest)
		if !ok {
			return "", &secretError{reasonSecretNotFound, fmt.Errorf("env var %q not set", rest)}
		}
		return v, nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			if os.IsNotExist(err) {
				return "", &secretError{reasonSecretNotFound, err}
			}
			if os.IsPermission(err) {
				return "", &secretError{reasonSecretProviderForbidden, err}
			}
			return "", &secretError{reasonSecretReadFailed, err}
		}
		return strings.TrimSpace(string(data)), nil
	case "vault", "aws-secrets-manager", "gcp-secret-manager":
		return "", &secretError{reasonSecretProviderUnavail, fmt.Errorf("secret provider %q is not configured", scheme)}
	default:
		return "", &secretError{reasonSecretRefInvalid, fmt.Errorf("unknown secret ref scheme %q", scheme)}
	}
}

func secretFailureReason(err error) string {
	var se *secretError
	if e, ok := err.(*secretError); ok {
		se = e
		return se.reason
	}
	return reasonSecretError
}
