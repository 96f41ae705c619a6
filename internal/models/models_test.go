package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_ValueAndScan(t *testing.T) {
	var empty JSON
	v, err := empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	src := JSON{"tx_hash": "0xabc", "block": float64(12)}
	v, err = src.Value()
	require.NoError(t, err)

	var fromBytes JSON
	require.NoError(t, fromBytes.Scan(v))
	assert.Equal(t, src, fromBytes)

	var fromString JSON
	require.NoError(t, fromString.Scan(`{"a":"b"}`))
	assert.Equal(t, "b", fromString["a"])

	var fromEmpty JSON
	require.NoError(t, fromEmpty.Scan([]byte{}))
	assert.Nil(t, fromEmpty)

	var bad JSON
	assert.Error(t, bad.Scan(42))
}

func TestDeploymentStatus_Terminal(t *testing.T) {
	for _, s := range TerminalDeploymentStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, DeploymentStatusPending.IsTerminal())
	assert.False(t, DeploymentStatusDeploying.IsTerminal())
	assert.False(t, DeploymentStatusVerifying.IsTerminal())
}

func TestDeploymentStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to DeploymentStatus
		ok       bool
	}{
		{DeploymentStatusPending, DeploymentStatusDeploying, true},
		{DeploymentStatusPending, DeploymentStatusAborted, true},
		{DeploymentStatusDeploying, DeploymentStatusSuccess, true},
		{DeploymentStatusDeploying, DeploymentStatusFailed, true},
		{DeploymentStatusDeploying, DeploymentStatusAborted, true},
		{DeploymentStatusSuccess, DeploymentStatusVerifying, true},
		{DeploymentStatusVerifying, DeploymentStatusVerified, true},
		{DeploymentStatusVerifying, DeploymentStatusVerificationFailed, true},
		{DeploymentStatusSuccess, DeploymentStatusFailed, false},
		{DeploymentStatusFailed, DeploymentStatusDeploying, false},
		{DeploymentStatusVerified, DeploymentStatusVerifying, false},
		{DeploymentStatusAborted, DeploymentStatusPending, false},
		{DeploymentStatusSuccess, DeploymentStatusAborted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDeploymentStatus_IsDeployed(t *testing.T) {
	assert.True(t, DeploymentStatusSuccess.IsDeployed())
	assert.True(t, DeploymentStatusVerified.IsDeployed())
	assert.True(t, DeploymentStatusVerificationFailed.IsDeployed())
	assert.False(t, DeploymentStatusFailed.IsDeployed())
	assert.False(t, DeploymentStatusAborted.IsDeployed())
}

func TestEnvironment_Valid(t *testing.T) {
	assert.True(t, EnvironmentMainnet.Valid())
	assert.True(t, EnvironmentTestnet.Valid())
	assert.False(t, Environment("devnet").Valid())
}
