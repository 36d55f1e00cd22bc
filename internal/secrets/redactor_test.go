package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_CleanTextUnchanged(t *testing.T) {
	r, err := NewRedactor()
	require.NoError(t, err)

	in := "go test ./...\nok  github.com/acme/cards 0.41s coverage: 91.2% of statements"
	out, findings := r.Redact(in)
	assert.Equal(t, in, out)
	assert.Empty(t, findings)

	out, findings = r.Redact("   ")
	assert.Equal(t, "   ", out)
	assert.Nil(t, findings)
}

func TestNewRedactor_RejectsBadAllowPattern(t *testing.T) {
	_, err := NewRedactor("([")
	assert.Error(t, err)

	_, err = NewRedactor(`fixture-[a-z]+`)
	assert.NoError(t, err)
}

func TestReplaceSecrets(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		secrets map[string]string
		want    string
	}{
		{
			name:    "single",
			text:    "token=abc123 done",
			secrets: map[string]string{"abc123": "generic-api-key"},
			want:    "token=[REDACTED:generic-api-key] done",
		},
		{
			name:    "repeated occurrences",
			text:    "a=s3cr3t b=s3cr3t",
			secrets: map[string]string{"s3cr3t": "r"},
			want:    "a=[REDACTED:r] b=[REDACTED:r]",
		},
		{
			name: "longest first",
			text: "key=abcdef",
			secrets: map[string]string{
				"abc":    "short",
				"abcdef": "long",
			},
			want: "key=[REDACTED:long]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, replaceSecrets(tt.text, tt.secrets))
		})
	}
}
