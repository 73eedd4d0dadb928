package ciapi

import (
	"fmt"
	"strings"
)

// splitRepo splits an "owner/repo" slug into its two parts. Providers
// validate the slug shape once here instead of duplicating the check in
// every method that takes a repo argument.
func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("ciapi: repo must be \"owner/repo\", got %q", repo)
	}
	return owner, name, nil
}
