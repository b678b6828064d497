package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Defaults(t *testing.T) {
	tax := Default()

	tests := []struct {
		code int
		want Class
	}{
		{CodeOK, ClassOK},
		{CodeHTTPOK, ClassOK},
		{CodeConflictResolved, ClassOK},
		{CodeForbidden, ClassRetryable},
		{CodeNoSourcesActive, ClassRetryable},
		{CodeUnauthorized, ClassTerminal},
		{CodeRefreshRequired, ClassTerminal},
		{CodeConnectionLost, ClassTerminal},
		{12345, ClassTerminal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tax.Classify(tt.code), "code %d", tt.code)
	}
}

func TestClassify_Stable(t *testing.T) {
	tax := Default()
	for i := 0; i < 3; i++ {
		assert.Equal(t, ClassRetryable, tax.Classify(CodeForbidden))
	}
}

func TestForcesFullSync(t *testing.T) {
	tax := Default()
	assert.True(t, tax.ForcesFullSync(CodeRefreshRequired))
	assert.False(t, tax.ForcesFullSync(CodeForbidden))
	assert.False(t, tax.ForcesFullSync(CodeOK))
}

func TestNew_CustomAllowList(t *testing.T) {
	tax, err := New(Config{RetryableCodes: []int{503, 20043}})
	require.NoError(t, err)

	assert.Equal(t, ClassRetryable, tax.Classify(503))
	assert.Equal(t, ClassTerminal, tax.Classify(CodeForbidden))
	assert.Equal(t, ClassOK, tax.Classify(CodeOK), "zero is always ok")
	assert.Equal(t, []int{503, 20043}, tax.RetryableCodes())
}

func TestNew_RejectsOverlap(t *testing.T) {
	_, err := New(Config{OKCodes: []int{403}, RetryableCodes: []int{403}})
	assert.Error(t, err)

	_, err = New(Config{RetryableCodes: []int{0}})
	assert.Error(t, err)

	_, err = New(Config{OKCodes: []int{508}, FullResyncCodes: []int{508}})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "access forbidden", Describe(CodeForbidden))
	assert.Equal(t, "sync engine status 999", Describe(999))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ok", ClassOK.String())
	assert.Equal(t, "retryable", ClassRetryable.String())
	assert.Equal(t, "terminal", ClassTerminal.String())
	assert.Equal(t, "unknown", Class(42).String())
}
