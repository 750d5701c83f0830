package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

var (
	// ErrNotAuthorized means no access token is configured or cached
	ErrNotAuthorized = errors.New("not authorized: configure tesla.access_token or log in to create the token cache")
	// ErrTokenExpired means the cached access token is past its expiry
	ErrTokenExpired = errors.New("cached access token has expired: log in again")
)

type cachedToken struct {
	SSO struct {
		AccessToken string  `json:"access_token"`
		ExpiresAt   float64 `json:"expires_at"`
	} `json:"sso"`
}

// ResolveAccessToken returns the configured token, or the one cached for
// email in a token cache file ({"<email>": {"sso": {"access_token": ...}}}).
// With no email, a cache holding a single account is used as is.
func ResolveAccessToken(token, cachePath, email string, now time.Time) (string, error) {
	if token != "" {
		return token, nil
	}
	if cachePath == "" {
		return "", ErrNotAuthorized
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotAuthorized
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token cache: %w", err)
	}

	var cache map[string]cachedToken
	if err := json.Unmarshal(data, &cache); err != nil {
		return "", fmt.Errorf("failed to parse token cache %s: %w", cachePath, err)
	}

	if email == "" {
		if len(cache) != 1 {
			accounts := make([]string, 0, len(cache))
			for k := range cache {
				accounts = append(accounts, k)
			}
			sort.Strings(accounts)
			return "", fmt.Errorf("%w (token cache holds %d accounts %v, pass --email)", ErrNotAuthorized, len(cache), accounts)
		}
		for k := range cache {
			email = k
		}
	}

	entry, ok := cache[email]
	if !ok || entry.SSO.AccessToken == "" {
		return "", fmt.Errorf("%w (no cached token for %s)", ErrNotAuthorized, email)
	}
	if entry.SSO.ExpiresAt > 0 && now.After(time.Unix(int64(entry.SSO.ExpiresAt), 0)) {
		return "", ErrTokenExpired
	}
	return entry.SSO.AccessToken, nil
}
