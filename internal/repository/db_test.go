package repository

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestUUIDsOnly(t *testing.T) {
	id := uuid.NewString()

	assert.Equal(t, []string{id}, uuidsOnly([]string{"abc", id, "", "doc-1"}))
	assert.Empty(t, uuidsOnly([]string{"abc"}))
	assert.True(t, isUUID(id))
	assert.False(t, isUUID("abc"))
	assert.False(t, isUUID(""))
}
