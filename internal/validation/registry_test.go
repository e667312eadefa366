package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

func TestGateRange(t *testing.T) {
	first, last := validation.GateRange(validation.RunTypeContract)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, last)

	first, last = validation.GateRange(validation.RunTypeExecution)
	assert.Equal(t, 2, first)
	assert.Equal(t, 3, last)
}

func TestGateName(t *testing.T) {
	assert.Equal(t, "plan-integrity", validation.GateName(0))
	assert.Equal(t, "contract-safety", validation.GateName(1))
	assert.Equal(t, "code-integrity", validation.GateName(2))
	assert.Equal(t, "full-verification", validation.GateName(3))
	assert.Equal(t, "gate-7", validation.GateName(7))
}

func TestRegistryOrdersWithinGate(t *testing.T) {
	r, err := validation.NewRegistry(
		passingValidator("C", 0, 30, true),
		passingValidator("A", 0, 10, true),
		passingValidator("B", 0, 20, false),
		passingValidator("Z", 2, 10, true),
	)
	require.NoError(t, err)

	var codes []string
	for _, v := range r.ForGate(0) {
		codes = append(codes, v.Code())
	}
	assert.Equal(t, []string{"A", "B", "C"}, codes)

	require.Len(t, r.ForGate(2), 1)
	assert.Empty(t, r.ForGate(1))
	assert.Nil(t, r.ForGate(9))
}

func TestRegistryOrderTiesKeepDeclarationOrder(t *testing.T) {
	r, err := validation.NewRegistry(
		passingValidator("FIRST", 1, 10, true),
		passingValidator("SECOND", 1, 10, true),
	)
	require.NoError(t, err)

	vs := r.ForGate(1)
	require.Len(t, vs, 2)
	assert.Equal(t, "FIRST", vs[0].Code())
	assert.Equal(t, "SECOND", vs[1].Code())
}

func TestRegistryRejectsDuplicatesAndBadGates(t *testing.T) {
	_, err := validation.NewRegistry(
		passingValidator("DUP", 0, 10, true),
		passingValidator("DUP", 1, 10, true),
	)
	assert.Error(t, err)

	_, err = validation.NewRegistry(passingValidator("BAD", 4, 10, true))
	assert.Error(t, err)
}

func TestDefaultRegistryCoversAllGates(t *testing.T) {
	r := validation.DefaultRegistry()
	for gate := 0; gate < validation.GateCount; gate++ {
		assert.NotEmpty(t, r.ForGate(gate), "gate %d has no validators", gate)
	}
	assert.Equal(t, "PLAN_PRESENT", r.ForGate(0)[0].Code())
	assert.Equal(t, "COMPILE", r.ForGate(2)[0].Code())
}
