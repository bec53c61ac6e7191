package identity

import "strings"

// ExternalIdentity is the normalized profile returned by an identity provider for one callback.
// It carries facts only; matching and linking decisions belong to the reconciler.
type ExternalIdentity struct {
	Provider     string
	ExternalID   string
	PrimaryEmail string
	DisplayName  string
	Login        string
	AvatarURL    string
}

// SplitName derives first and last names from the display name, falling back to the login handle.
func (externalIdentity ExternalIdentity) SplitName() (string, string) {
	nameParts := strings.Fields(externalIdentity.DisplayName)
	if len(nameParts) == 0 {
		return externalIdentity.Login, ""
	}
	return nameParts[0], strings.Join(nameParts[1:], " ")
}
