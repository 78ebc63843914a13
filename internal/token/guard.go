package token

import (
	"errors"
	"fmt"
	"os"
)

// ErrModeViolation rejects an operation not reachable in the current mode.
var ErrModeViolation = errors.New("mode violation")

// AgentToken returns the raw token from the environment, if any.
func AgentToken() string {
	return os.Getenv(EnvToken)
}

// RequireOperatorMode fails closed when any agent token is present in the
// environment, valid or not. Agent processes are treated as adversarial, so
// operator commands reject them outright instead of relying on downstream
// permission checks.
func RequireOperatorMode() error {
	if AgentToken() != "" {
		return fmt.Errorf("%w: operator command invoked with %s set", ErrModeViolation, EnvToken)
	}
	return nil
}

// RequireAgentMode validates the environment token and returns its claims.
func RequireAgentMode(cfg Config) (Claims, error) {
	tok := AgentToken()
	if tok == "" {
		return Claims{}, fmt.Errorf("%w: %s is not set", ErrModeViolation, EnvToken)
	}
	claims, err := Validate(cfg, tok)
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}
