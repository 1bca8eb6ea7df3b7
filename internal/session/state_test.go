package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		in   Input
		want State
	}{
		{Active, NearDeadline, Warning},
		{Active, Extended, Active},
		{Active, Expire, Expired},
		{Active, Recovered, Active},
		{Warning, NearDeadline, Warning},
		{Warning, Extended, Active},
		{Warning, Expire, Expired},
		{Expired, Extended, Expired},
		{Expired, BeginRecovery, Recovering},
		{Recovering, Expire, Recovering},
		{Recovering, BeginRecovery, Recovering},
		{Recovering, Recovered, Active},
		{Recovering, SignedOut, Expired},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Transition(tt.from, tt.in), "%s + %d", tt.from, tt.in)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "expired", Expired.String())
	assert.Equal(t, "recovering", Recovering.String())
	assert.Equal(t, "unknown", State(42).String())
}
