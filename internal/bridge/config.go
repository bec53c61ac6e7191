package bridge

import (
	"strings"
	"time"
)

// CallbackPath is the redirect URI path registered with the default provider.
const CallbackPath = "/oauth/callback"

// ServerConfig carries the values read once at startup. SigningKey is never logged.
type ServerConfig struct {
	PublicURL        string
	FrontendURL      string
	SigningKey       []byte
	Issuer           string
	DefaultUserRole  string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	ProviderTimeout  time.Duration
	DirectoryTimeout time.Duration
	EnableState      bool
	StateTTL         time.Duration
}

// CallbackURL is the absolute redirect URI the provider sends the browser back to.
func (configuration ServerConfig) CallbackURL() string {
	return strings.TrimRight(configuration.PublicURL, "/") + CallbackPath
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
