package kernelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFound(t *testing.T) {
	err := NotFound("artifact_1")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Equal(t, "artifact_1", err.Details["id"])
}

func TestAccessDenied_Reason(t *testing.T) {
	err := AccessDenied("contract denied write")
	assert.Equal(t, CodeAccessDenied, err.Code)
	assert.Equal(t, "contract denied write", err.Details["reason"])
}

func TestDepthExceeded_Details(t *testing.T) {
	err := DepthExceeded("invocation", 6, 5)
	assert.Equal(t, CodeDepthExceeded, err.Code)
	assert.Equal(t, 6, err.Details["depth"])
	assert.Equal(t, 5, err.Details["max"])
}

func TestWrap_UnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := ExecutionError(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorWithoutCause(t *testing.T) {
	err := New(CodeInvalidArgs, "bad shape")
	assert.Equal(t, fmt.Sprintf("[%s] bad shape", CodeInvalidArgs), err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWithDetails_AccumulatesKeys(t *testing.T) {
	err := New(CodeTimeout, "slow").WithDetails("operation", "invoke").WithDetails("ms", 500)
	assert.Equal(t, "invoke", err.Details["operation"])
	assert.Equal(t, 500, err.Details["ms"])
}

func TestIsKernelError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NotFound("x"))
	assert.True(t, IsKernelError(wrapped))
	assert.False(t, IsKernelError(errors.New("plain")))
}

func TestGetKernelError(t *testing.T) {
	original := CircularContract("artifact_9")
	wrapped := fmt.Errorf("create failed: %w", original)

	got := GetKernelError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeCircularContract, got.Code)
}

func TestCodeOf_NonKernelError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestIsCode(t *testing.T) {
	err := RateLimitedSystem("llm_tokens")
	assert.True(t, IsCode(err, CodeRateLimitedSystem))
	assert.False(t, IsCode(err, CodeRateLimitedAgent))
}

func TestInternal_CarriesCause(t *testing.T) {
	cause := errors.New("invariant violated")
	err := Internal("scrip sum mismatch", cause)
	assert.Equal(t, CodeInternal, err.Code)
	assert.ErrorIs(t, err, cause)
}

func TestAllCodesDistinct(t *testing.T) {
	codes := []ErrorCode{
		CodeNotFound, CodeDeleted, CodeAccessDenied, CodeInvalidArgs,
		CodeInsufficientScrip, CodeInsufficientDisk, CodeRateLimitedAgent,
		CodeRateLimitedSystem, CodeTimeout, CodeDepthExceeded,
		CodeExecutionError, CodeContractMissing, CodeCircularContract,
		CodeCancelled, CodeInternal,
	}
	seen := make(map[ErrorCode]bool, len(codes))
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}
