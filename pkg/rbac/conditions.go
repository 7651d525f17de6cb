package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// ConditionEvaluator decides the opaque JSON predicates attached to
// permissions, conditional edges and assignments.
type ConditionEvaluator interface {
	// Conditions reports whether a condition document holds for req.
	Conditions(ctx context.Context, conditions json.RawMessage, req *Request) (bool, error)
	// Filters reports whether the requested resource passes a permission's
	// resource filters.
	Filters(ctx context.Context, filters json.RawMessage, req *Request) (bool, error)
}

// userPlaceholder in a condition value stands for the requesting user.
const userPlaceholder = "$user_id"

// AttributeEvaluator matches condition documents against request attributes.
//
// A condition document is a JSON object. Each key names an attribute and the
// value is either a literal that must equal it, an array the attribute must be
// a member of, or an operator object using eq, ne, in, not_in or exists. The
// literal "$user_id" is replaced by the requesting user. Every key must hold.
//
// Resource filters accept the same document plus "resource_ids", an array of
// resource ids the request's ResourceID must be in.
type AttributeEvaluator struct{}

// NewAttributeEvaluator creates the default evaluator.
func NewAttributeEvaluator() *AttributeEvaluator {
	return &AttributeEvaluator{}
}

// Conditions implements ConditionEvaluator.
func (e *AttributeEvaluator) Conditions(ctx context.Context, conditions json.RawMessage, req *Request) (bool, error) {
	doc, err := parseDocument(conditions)
	if err != nil || doc == nil {
		return err == nil, err
	}
	return e.match(doc, req)
}

// Filters implements ConditionEvaluator.
func (e *AttributeEvaluator) Filters(ctx context.Context, filters json.RawMessage, req *Request) (bool, error) {
	doc, err := parseDocument(filters)
	if err != nil || doc == nil {
		return err == nil, err
	}
	if ids, ok := doc["resource_ids"]; ok {
		delete(doc, "resource_ids")
		list, ok := ids.([]interface{})
		if !ok {
			return false, fmt.Errorf("resource_ids must be an array")
		}
		if req.ResourceID == "" || !containsValue(list, req.ResourceID) {
			return false, nil
		}
	}
	return e.match(doc, req)
}

func parseDocument(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("condition document must be a JSON object: %w", err)
	}
	return doc, nil
}

func (e *AttributeEvaluator) match(doc map[string]interface{}, req *Request) (bool, error) {
	for key, want := range doc {
		actual, present := requestAttribute(req, key)
		ok, err := matchValue(want, actual, present, req.UserID)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// requestAttribute looks key up in the request attributes, normalised to the types
// encoding/json produces so that Go ints compare equal to JSON numbers.
func requestAttribute(req *Request, key string) (interface{}, bool) {
	if key == "user_id" && req.Attributes["user_id"] == nil {
		return req.UserID, true
	}
	v, ok := req.Attributes[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v, true
	}
	var norm interface{}
	if err := json.Unmarshal(b, &norm); err != nil {
		return v, true
	}
	return norm, true
}

func matchValue(want, actual interface{}, present bool, userID string) (bool, error) {
	switch w := want.(type) {
	case []interface{}:
		return present && memberOf(actual, w, userID), nil
	case map[string]interface{}:
		for op, arg := range w {
			ok, err := applyOperator(op, arg, actual, present, userID)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	default:
		return present && equal(w, actual, userID), nil
	}
}

func applyOperator(op string, arg, actual interface{}, present bool, userID string) (bool, error) {
	switch op {
	case "eq":
		return present && equal(arg, actual, userID), nil
	case "ne":
		return !present || !equal(arg, actual, userID), nil
	case "in", "not_in":
		list, ok := arg.([]interface{})
		if !ok {
			return false, fmt.Errorf("%s expects an array", op)
		}
		in := present && memberOf(actual, list, userID)
		if op == "in" {
			return in, nil
		}
		return !in, nil
	case "exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("exists expects a boolean")
		}
		return present == want, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// memberOf reports whether actual, or any element of actual when it is an
// array, appears in list.
func memberOf(actual interface{}, list []interface{}, userID string) bool {
	if values, ok := actual.([]interface{}); ok {
		for _, v := range values {
			if memberOf(v, list, userID) {
				return true
			}
		}
		return false
	}
	for _, w := range list {
		if equal(w, actual, userID) {
			return true
		}
	}
	return false
}

func equal(want, actual interface{}, userID string) bool {
	if s, ok := want.(string); ok && s == userPlaceholder {
		want = userID
	}
	return reflect.DeepEqual(want, actual)
}

func containsValue(list []interface{}, s string) bool {
	for _, v := range list {
		if str, ok := v.(string); ok && str == s {
			return true
		}
	}
	return false
}
