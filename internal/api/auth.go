package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Access tokens without a readable exp claim are assumed to live this long.
const defaultTokenLifetime = 60 * time.Minute

// Tokens this close to expiry are refreshed early, so a token never
// expires mid-batch.
const expirySkew = 30 * time.Second

// AuthSession is the persisted authentication state. Stored as
// token.json in the agent state directory with owner-only permissions.
type AuthSession struct {
	AccessToken  string    `json:"access"`
	RefreshToken string    `json:"refresh"`
	AccessExpiry time.Time `json:"access_expiry"`
}

// Expired reports whether the access token needs refreshing.
func (s *AuthSession) Expired(now time.Time) bool {
	return !now.Add(expirySkew).Before(s.AccessExpiry)
}

func loadSession(path string) (*AuthSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s AuthSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("no access token in %s", path)
	}
	return &s, nil
}

func saveSession(path string, s *AuthSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func removeSession(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying the signature. Verification is the server's job; the client
// only needs to know when to refresh. Unparseable tokens get the
// default lifetime from now.
func tokenExpiry(token string, now time.Time) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return now.Add(defaultTokenLifetime)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return now.Add(defaultTokenLifetime)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return now.Add(defaultTokenLifetime)
	}
	return time.Unix(claims.Exp, 0)
}
