package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Prefix of every agent token. The two leading segments are fixed so a token
// is recognizable in logs and env dumps without being guessable.
const Prefix = "tg_at"

// EnvToken is the environment variable whose presence switches an invocation
// into agent mode.
const EnvToken = "TASKGATE_AGENT_TOKEN"

var (
	ErrMalformed = errors.New("malformed token")
	ErrInvalid   = errors.New("invalid token")
)

// Claims are the scope a validated token grants: exactly one task attempt.
type Claims struct {
	TaskID  string
	Attempt int
}

// Config holds the process-wide signing secret. It is established once at
// startup and threaded explicitly; nothing reads it ambiently afterwards.
type Config struct {
	Secret []byte
}

// ConfigFromHex decodes a hex-encoded secret.
func ConfigFromHex(h string) (Config, error) {
	if h == "" {
		return Config{}, errors.New("token secret is empty")
	}
	secret, err := hex.DecodeString(h)
	if err != nil {
		return Config{}, fmt.Errorf("token secret is not hex: %w", err)
	}
	return Config{Secret: secret}, nil
}

func mac(secret []byte, taskID string, attempt int) string {
	h := hmac.New(sha256.New, secret)
	fmt.Fprintf(h, "%s:%d", taskID, attempt)
	return hex.EncodeToString(h.Sum(nil))
}

// Generate mints a token bound to one (task, attempt) pair.
func Generate(cfg Config, taskID string, attempt int) string {
	return fmt.Sprintf("%s_%s_%d_%s", Prefix, taskID, attempt, mac(cfg.Secret, taskID, attempt))
}

// Validate parses and verifies a token. The MAC comparison is constant-time;
// any structural problem is ErrMalformed, a MAC mismatch is ErrInvalid.
func Validate(cfg Config, tok string) (Claims, error) {
	parts := strings.Split(tok, "_")
	if len(parts) != 5 || parts[0]+"_"+parts[1] != Prefix {
		return Claims{}, fmt.Errorf("%w: expected %s_<task>_<attempt>_<mac>", ErrMalformed, Prefix)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: task id: %v", ErrMalformed, err)
	}
	attempt, err := strconv.Atoi(parts[3])
	if err != nil || attempt < 0 {
		return Claims{}, fmt.Errorf("%w: attempt segment", ErrMalformed)
	}
	supplied, err := hex.DecodeString(parts[4])
	if err != nil || len(supplied) != sha256.Size {
		return Claims{}, fmt.Errorf("%w: mac segment", ErrMalformed)
	}
	expected, _ := hex.DecodeString(mac(cfg.Secret, id.String(), attempt))
	if !hmac.Equal(supplied, expected) {
		return Claims{}, ErrInvalid
	}
	return Claims{TaskID: id.String(), Attempt: attempt}, nil
}
