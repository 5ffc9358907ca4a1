package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), set)
	assert.Contains(t, set.Augment, "###CHUNK START###")
	assert.Contains(t, set.Compose, "{constraints}")
}

func TestLoad_OverridesSomeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compose: |\n  Answer briefly. Constraints: {constraints}\n"), 0o600))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Answer briefly. Constraints: {constraints}\n", set.Compose)
	assert.Equal(t, Defaults().Augment, set.Augment)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compose: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	out := Render("Q: {question}\nC: {context}", map[string]string{
		"question": "what is {context}?",
		"context":  "chunks",
	})
	assert.Equal(t, "Q: what is {context}?\nC: chunks", out)
}
