package odata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsRoundTrip(t *testing.T) {
	ops := Operations{
		Create{EntitySet: "contacts", Data: map[string]interface{}{"name": "a"}},
		CreateWithRefs{EntitySet: "children", Data: map[string]interface{}{"name": "c"}, ContentIDRefs: map[string]string{"parentid": "$1"}},
		Update{EntitySet: "contacts", ID: "1", Data: map[string]interface{}{"name": "b"}},
		Upsert{EntitySet: "contacts", KeyField: "email", KeyValue: "a@b.com", Data: map[string]interface{}{}},
		Delete{EntitySet: "contacts", ID: "1"},
		AssociateRef{EntitySet: "contacts", EntityRef: "1", NavigationProperty: "nrq_category", TargetRef: "/categories(2)"},
	}
	data, err := MarshalOperations(ops)
	require.NoError(t, err)

	decoded, err := UnmarshalOperations(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(ops))
	for i := range ops {
		assert.Equal(t, ops[i], decoded[i])
	}
}

func TestResultsRoundTrip(t *testing.T) {
	results := []OperationResult{
		{Operation: Create{EntitySet: "contacts", Data: map[string]interface{}{}}, Success: true, StatusCode: 204, Headers: map[string]string{"OData-EntityId": "x(1)"}},
		{Operation: Delete{EntitySet: "contacts", ID: "1"}, Success: false, StatusCode: 400, Error: "bad"},
	}
	data, err := MarshalResults(results)
	require.NoError(t, err)

	decoded, err := UnmarshalResults(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, results[0].Operation, decoded[0].Operation)
	assert.True(t, decoded[0].Success)
	assert.False(t, decoded[1].Success)
	assert.Equal(t, "bad", decoded[1].Error)
}
