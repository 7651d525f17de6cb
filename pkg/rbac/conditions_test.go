package rbac

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeEvaluator_Conditions(t *testing.T) {
	req := &Request{
		UserID: "u1",
		Attributes: map[string]interface{}{
			"department": "finance",
			"level":      3,
			"tags":       []string{"eu", "gold"},
			"owner_id":   "u1",
		},
	}

	tests := []struct {
		name string
		doc  string
		want bool
	}{
		{"empty document", ``, true},
		{"null document", `null`, true},
		{"empty object", `{}`, true},
		{"exact match", `{"department":"finance"}`, true},
		{"exact mismatch", `{"department":"sales"}`, false},
		{"number match", `{"level":3}`, true},
		{"missing attribute", `{"region":"eu"}`, false},
		{"membership", `{"department":["sales","finance"]}`, true},
		{"membership miss", `{"department":["sales"]}`, false},
		{"array attribute membership", `{"tags":["gold"]}`, true},
		{"eq", `{"department":{"eq":"finance"}}`, true},
		{"ne", `{"department":{"ne":"finance"}}`, false},
		{"ne absent", `{"region":{"ne":"eu"}}`, true},
		{"in", `{"level":{"in":[1,2,3]}}`, true},
		{"not_in", `{"level":{"not_in":[1,2,3]}}`, false},
		{"exists", `{"owner_id":{"exists":true}}`, true},
		{"not exists", `{"region":{"exists":false}}`, true},
		{"user placeholder", `{"owner_id":"$user_id"}`, true},
		{"user_id attribute", `{"user_id":"u1"}`, true},
		{"all keys must hold", `{"department":"finance","level":4}`, false},
	}

	e := NewAttributeEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Conditions(context.Background(), json.RawMessage(tt.doc), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAttributeEvaluator_ConditionErrors(t *testing.T) {
	e := NewAttributeEvaluator()
	req := &Request{UserID: "u1", Attributes: map[string]interface{}{"level": 1}}

	for _, doc := range []string{
		`[1,2]`,
		`{"level":{"between":[1,2]}}`,
		`{"level":{"in":3}}`,
		`{"level":{"exists":"yes"}}`,
	} {
		t.Run(doc, func(t *testing.T) {
			ok, err := e.Conditions(context.Background(), json.RawMessage(doc), req)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAttributeEvaluator_Filters(t *testing.T) {
	e := NewAttributeEvaluator()
	filters := json.RawMessage(`{"resource_ids":["doc-1","doc-2"],"classification":"internal"}`)

	ok, err := e.Filters(context.Background(), filters, &Request{
		ResourceID: "doc-1",
		Attributes: map[string]interface{}{"classification": "internal"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Filters(context.Background(), filters, &Request{
		ResourceID: "doc-3",
		Attributes: map[string]interface{}{"classification": "internal"},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Filters(context.Background(), filters, &Request{
		Attributes: map[string]interface{}{"classification": "internal"},
	})
	require.NoError(t, err)
	assert.False(t, ok, "a filter on ids needs a resource id")

	_, err = e.Filters(context.Background(), json.RawMessage(`{"resource_ids":"doc-1"}`), &Request{ResourceID: "doc-1"})
	assert.Error(t, err)
}
