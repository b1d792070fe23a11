// Package policy validates and normalizes image references against an
// operator-configured allow-list before the Container Manager ever hands
// them to the runtime adapter.
package policy

import (
	"fmt"
	"strings"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// ImageValidator enforces the registry/image allow-lists from config.
// A nil or empty AllowedRegistries list means "no images permitted" —
// operators must opt in explicitly, there is no implicit docker.io
// default-allow. A nil or empty AllowedImages list adds no further
// restriction: any image from an allowed registry passes.
type ImageValidator struct {
	AllowedRegistries []string
	AllowedImages     []string
}

// NewImageValidator builds a validator from configured allow-lists.
func NewImageValidator(allowedRegistries, allowedImages []string) *ImageValidator {
	return &ImageValidator{AllowedRegistries: allowedRegistries, AllowedImages: allowedImages}
}

// Resolve normalizes requested into a fully-qualified reference and
// validates it against both allow-lists. The registry check and the
// exact-image check are independent: an image must pass both, so an
// operator can scope trust down to specific images within a trusted
// registry.
func (v *ImageValidator) Resolve(requested string) (string, error) {
	normalized := normalizeImageRef(requested)
	registry := extractRegistry(normalized)

	if !contains(v.AllowedRegistries, registry) {
		return "", fmt.Errorf("%w: registry %q is not in the allow-list", taxonomy.ErrImagePolicy, registry)
	}
	if len(v.AllowedImages) > 0 && !contains(v.AllowedImages, normalized) && !contains(v.AllowedImages, requested) {
		return "", fmt.Errorf("%w: image %q is not in the allow-list", taxonomy.ErrImagePolicy, requested)
	}
	return normalized, nil
}

func normalizeImageRef(ref string) string {
	if !strings.Contains(ref, "/") {
		return "docker.io/library/" + ref
	}
	parts := strings.SplitN(ref, "/", 2)
	if !strings.ContainsAny(parts[0], ".:") && parts[0] != "localhost" {
		return "docker.io/" + ref
	}
	return ref
}

func extractRegistry(normalizedRef string) string {
	parts := strings.SplitN(normalizedRef, "/", 2)
	return parts[0]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
