package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrud/nodeflow/pkg/schema"
)

func TestResolveBuiltinProfile(t *testing.T) {
	r := NewLookPathResolver()

	spec, err := r.Resolve(schema.ProfileSh)
	require.NoError(t, err)
	assert.NotEmpty(t, spec.Command)
}

func TestResolveUnknownProfile(t *testing.T) {
	r := NewLookPathResolver()

	_, err := r.Resolve(schema.Profile("cobol"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProfileUnavailable, schema.CodeOf(err))
}

func TestResolveMissingBinary(t *testing.T) {
	r := NewLookPathResolver()
	r.Register(schema.Profile("ghost"), []string{"definitely-not-a-real-binary-name"}, nil)

	_, err := r.Resolve(schema.Profile("ghost"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProfileUnavailable, schema.CodeOf(err))
}

func TestRegisterCustomProfile(t *testing.T) {
	r := NewLookPathResolver()
	r.Register(schema.Profile("catlike"), []string{"cat"}, []string{"-u"})

	spec, err := r.Resolve(schema.Profile("catlike"))
	require.NoError(t, err)
	assert.Contains(t, spec.Command, "cat")
	assert.Equal(t, []string{"-u"}, spec.Args)
}
