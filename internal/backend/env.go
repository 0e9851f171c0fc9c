package backend

import (
	"os"
	"strings"
)

// knownCredentialVars lists environment variables the agent CLIs need for
// authentication and that are forwarded into their processes when set.
var knownCredentialVars = []string{
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"CURSOR_API_KEY",
	"OPENAI_API_KEY",
	"GITHUB_TOKEN",
}

// credentialEnv collects credential variables from the orchestrator's own
// environment, with optional VIBEDEV_-prefixed overrides taking precedence.
func credentialEnv() map[string]string {
	env := make(map[string]string)

	for _, key := range knownCredentialVars {
		if value := os.Getenv(key); value != "" {
			env[key] = value
		}
		if value := os.Getenv("VIBEDEV_" + key); value != "" {
			env[key] = value
		}
	}

	return env
}

// mergeEnv layers request-specific variables over the credential set
func mergeEnv(extra map[string]string) map[string]string {
	env := credentialEnv()
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// isAuthError reports whether an agent output line looks like an
// authentication or configuration failure
func isAuthError(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "not logged in") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "unauthorized")
}
