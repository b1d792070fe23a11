package workspace

import (
	"fmt"
	"path"
	"strings"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// Root is the mount point every workspace-relative path resolves against.
const Root = "/workspace"

// resolvePath lexically normalizes a client-supplied path and verifies it
// stays under Root. Any path containing ".." is rejected outright, even
// inside a name such as "a..b" (rather
// than silently cleaned away) so a client can never probe for escape by
// relying on path.Clean's behavior.
func resolvePath(requested string) (string, error) {
	if strings.Contains(requested, "..") {
		return "", fmt.Errorf("%w: %q contains a parent-directory segment", taxonomy.ErrPathViolation, requested)
	}

	joined := requested
	if !path.IsAbs(joined) {
		joined = path.Join(Root, joined)
	}
	cleaned := path.Clean(joined)

	if cleaned != Root && !strings.HasPrefix(cleaned, Root+"/") {
		return "", fmt.Errorf("%w: %q resolves outside %s", taxonomy.ErrPathViolation, requested, Root)
	}
	return cleaned, nil
}
