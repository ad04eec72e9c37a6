package odata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestVariants(t *testing.T) {
	req, err := BuildRequest(Create{EntitySet: "contacts", Data: map[string]interface{}{"name": "a"}}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/contacts", req.Path)

	req, err = BuildRequest(Update{EntitySet: "contacts", ID: "1", Data: map[string]interface{}{"name": "b"}}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "PATCH", req.Method)
	assert.Equal(t, "/contacts(1)", req.Path)

	req, err = BuildRequest(Upsert{EntitySet: "contacts", KeyField: "email", KeyValue: "a@b.com", Data: map[string]interface{}{}}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "/contacts(email='a@b.com')", req.Path)

	req, err = BuildRequest(Delete{EntitySet: "contacts", ID: "1"}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "DELETE", req.Method)
	assert.Nil(t, req.Body)

	req, err = BuildRequest(AssociateRef{EntitySet: "contacts", EntityRef: "1", NavigationProperty: "nrq_category", TargetRef: "/categories(2)"}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "/contacts(1)/nrq_category/$ref", req.Path)
	assert.Equal(t, "https://h/categories(2)", req.Body["@odata.id"])
}

func TestCreateWithRefsBindsField(t *testing.T) {
	req, err := BuildRequest(CreateWithRefs{
		EntitySet:     "children",
		Data:          map[string]interface{}{"name": "c"},
		ContentIDRefs: map[string]string{"parentid": "$1"},
	}, "https://h")
	require.NoError(t, err)
	assert.Equal(t, "$1", req.Body["parentid@odata.bind"])
}

func TestEntityIDFromHeader(t *testing.T) {
	r := OperationResult{Headers: map[string]string{
		"OData-EntityId": "https://h/api/data/v9.2/contacts(11111111-1111-1111-1111-111111111111)",
	}}
	id, ok := r.EntityIDFromHeader()
	require.True(t, ok)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id)
}

func TestEntityIDFromHeaderMissing(t *testing.T) {
	r := OperationResult{}
	_, ok := r.EntityIDFromHeader()
	assert.False(t, ok)
}
