package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCompletion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, GenerateCompletion(&buf, "bash"))
	out := buf.String()
	assert.Contains(t, out, "complete -F _reqctl_completion reqctl")
	assert.Contains(t, out, "user-stories")
	assert.Contains(t, out, "watch")
	assert.Contains(t, out, "Approved")
	assert.NotContains(t, out, "{{")

	buf.Reset()
	require.NoError(t, GenerateCompletion(&buf, "fish"))
	assert.Contains(t, buf.String(), "complete -c reqctl")

	assert.Error(t, GenerateCompletion(&buf, "powershell"))
}
