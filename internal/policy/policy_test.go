package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

func TestResolveAllowedImage(t *testing.T) {
	v := NewImageValidator([]string{"docker.io"}, []string{"docker.io/library/python:3.11"})
	resolved, err := v.Resolve("python:3.11")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/python:3.11", resolved)
}

func TestResolveRejectsUnlistedRegistry(t *testing.T) {
	v := NewImageValidator([]string{"docker.io"}, nil)
	_, err := v.Resolve("ghcr.io/acme/tool:latest")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeImagePolicy, taxonomy.Classify(err))
}

func TestResolveRejectsUnlistedImageWithinAllowedRegistry(t *testing.T) {
	v := NewImageValidator([]string{"docker.io"}, []string{"docker.io/library/python:3.11"})
	_, err := v.Resolve("docker.io/library/node:20")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeImagePolicy, taxonomy.Classify(err))
}

func TestResolveEmptyImageAllowListPermitsAnyInRegistry(t *testing.T) {
	v := NewImageValidator([]string{"docker.io"}, nil)
	resolved, err := v.Resolve("python:3.11")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/python:3.11", resolved)
}
