package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonIncludesLabelAndCause(t *testing.T) {
	err := New(CodeConfiguration, "empty endpoint")
	assert.Equal(t, "configuration error: empty endpoint", err.Reason())
	assert.Equal(t, "[CONFIGURATION_ERROR] empty endpoint", err.Error())

	wrapped := Wrap(CodeSubmission, fmt.Errorf("insufficient funds for gas * price + value"), "broadcast failed")
	assert.Equal(t, "submission error: broadcast failed: insufficient funds for gas * price + value", wrapped.Reason())
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New(CodeArtifactNotFound, "VotingSystem")
	outer := fmt.Errorf("resolve factory: %w", base)

	assert.Equal(t, CodeArtifactNotFound, CodeOf(outer))
	assert.True(t, stdErrors.Is(outer, Sentinel(CodeArtifactNotFound)))
	assert.False(t, stdErrors.Is(outer, Sentinel(CodeSubmission)))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}

func TestReasonOfPlainError(t *testing.T) {
	assert.Equal(t, "unexpected error: boom", ReasonOf(stdErrors.New("boom")))
	assert.Empty(t, ReasonOf(nil))
}

func TestAttributesAndOverrides(t *testing.T) {
	err := New(CodeConfirmation, "", WithMetadata("tx_hash", "0x01"), WithSeverity(SeverityInfo))
	require.NotNil(t, err)
	assert.Equal(t, AttributesOf(CodeConfirmation).Message, err.Message())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.False(t, err.Retryable())
	assert.Equal(t, map[string]string{"tx_hash": "0x01"}, err.Metadata())

	assert.True(t, RetryableError(New(CodeStorageFailure, "")))
	assert.False(t, RetryableError(New(CodeStorageFailure, "", WithRetryable(false))))
	assert.Equal(t, SeverityCritical, SeverityOf(stdErrors.New("x")))
}

func TestRegisterCustomCode(t *testing.T) {
	const custom Code = "CHAIN_MISMATCH"
	Register(custom, Attributes{Label: "chain mismatch", Message: "unexpected chain", Severity: SeverityWarning})

	err := New(custom, "")
	assert.Equal(t, "chain mismatch: unexpected chain", err.Reason())
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NEVER_REGISTERED"))
}
