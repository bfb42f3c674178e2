package auth

import (
	"strings"
)

// OrgsFunc returns the organizations of the identity being authorized.
type OrgsFunc func() ([]string, error)

// Rule is the allow list that gates the dashboard.
type Rule struct {
	AllowedUsers []string
	AllowedOrgs  []string
}

// Authorize evaluates the rule for identity. Comparisons are case insensitive.
//
// Users are checked first, then organizations. orgs is only called when the
// user check does not match and organizations are configured. A lookup error
// contributes no match and is returned along with the decision so the caller
// can log it. When both lists are empty every identity is authorized.
func (r Rule) Authorize(identity *Identity, orgs OrgsFunc) (bool, error) {
	if identity == nil {
		return false, nil
	}

	if len(r.AllowedUsers) == 0 && len(r.AllowedOrgs) == 0 {
		return true, nil
	}

	if containsFold(r.AllowedUsers, identity.Login) {
		return true, nil
	}

	if len(r.AllowedOrgs) == 0 || orgs == nil {
		return false, nil
	}

	memberships, err := orgs()
	if err != nil {
		return false, err
	}

	for _, org := range memberships {
		if containsFold(r.AllowedOrgs, org) {
			return true, nil
		}
	}

	return false, nil
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}

	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}

	return false
}
