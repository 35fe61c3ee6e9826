package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindExtraction(t *testing.T) {
	err := NewError(KindValidation, "bad input")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindTimeout))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, KindValidation, KindOf(wrapped), "kind survives wrapping")

	assert.Equal(t, KindUnavailable, KindOf(errors.New("plain")), "unclassified errors default to unavailable")
}

func TestNotLeaderCarriesHint(t *testing.T) {
	err := NotLeaderError("10.0.0.5:7000")
	assert.Equal(t, KindNotLeader, KindOf(err))
	assert.Equal(t, "10.0.0.5:7000", LeaderHintOf(err))
	assert.Contains(t, err.Error(), "10.0.0.5:7000")

	assert.Empty(t, LeaderHintOf(NewError(KindTimeout, "slow")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(KindTransientIO, "write failed", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransientIO, KindOf(err))
}

func TestCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand(OpMarkEventConsumed, &MarkEventConsumed{EventID: "ev-1", Outcome: OutcomeConsolidated})
	assert.NoError(t, err)

	data, err := cmd.Encode()
	assert.NoError(t, err)

	decoded, err := DecodeCommand(data)
	assert.NoError(t, err)
	assert.Equal(t, OpMarkEventConsumed, decoded.Op)
}
