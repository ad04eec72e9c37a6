package odata

import (
	"encoding/json"
	"fmt"
)

// operationJSON is the wire/disk representation of an Operation: every
// variant's fields flattened into one object with a "type" discriminator
// (spec §3's tagged-variant model, serialized for the queue store and the
// CLI's "batch submit" command).
type operationJSON struct {
	Type               Kind                   `json:"type"`
	EntitySet          string                 `json:"entity_set"`
	Data               map[string]interface{} `json:"data,omitempty"`
	ContentIDRefs      map[string]string      `json:"content_id_refs,omitempty"`
	ID                 string                 `json:"id,omitempty"`
	KeyField           string                 `json:"key_field,omitempty"`
	KeyValue           string                 `json:"key_value,omitempty"`
	EntityRef          string                 `json:"entity_ref,omitempty"`
	NavigationProperty string                 `json:"navigation_property,omitempty"`
	TargetRef          string                 `json:"target_ref,omitempty"`
}

func toOperationJSON(op Operation) operationJSON {
	switch v := op.(type) {
	case Create:
		return operationJSON{Type: KindCreate, EntitySet: v.EntitySet, Data: v.Data}
	case CreateWithRefs:
		return operationJSON{Type: KindCreateWithRefs, EntitySet: v.EntitySet, Data: v.Data, ContentIDRefs: v.ContentIDRefs}
	case Update:
		return operationJSON{Type: KindUpdate, EntitySet: v.EntitySet, ID: v.ID, Data: v.Data}
	case Upsert:
		return operationJSON{Type: KindUpsert, EntitySet: v.EntitySet, KeyField: v.KeyField, KeyValue: v.KeyValue, Data: v.Data}
	case Delete:
		return operationJSON{Type: KindDelete, EntitySet: v.EntitySet, ID: v.ID}
	case AssociateRef:
		return operationJSON{Type: KindAssociateRef, EntitySet: v.EntitySet, EntityRef: v.EntityRef, NavigationProperty: v.NavigationProperty, TargetRef: v.TargetRef}
	default:
		return operationJSON{}
	}
}

func fromOperationJSON(oj operationJSON) (Operation, error) {
	switch oj.Type {
	case KindCreate:
		return Create{EntitySet: oj.EntitySet, Data: oj.Data}, nil
	case KindCreateWithRefs:
		return CreateWithRefs{EntitySet: oj.EntitySet, Data: oj.Data, ContentIDRefs: oj.ContentIDRefs}, nil
	case KindUpdate:
		return Update{EntitySet: oj.EntitySet, ID: oj.ID, Data: oj.Data}, nil
	case KindUpsert:
		return Upsert{EntitySet: oj.EntitySet, KeyField: oj.KeyField, KeyValue: oj.KeyValue, Data: oj.Data}, nil
	case KindDelete:
		return Delete{EntitySet: oj.EntitySet, ID: oj.ID}, nil
	case KindAssociateRef:
		return AssociateRef{EntitySet: oj.EntitySet, EntityRef: oj.EntityRef, NavigationProperty: oj.NavigationProperty, TargetRef: oj.TargetRef}, nil
	default:
		return nil, fmt.Errorf("odata: unknown operation type %q", oj.Type)
	}
}

// MarshalOperations encodes an Operations bundle for storage or transport
// (the queue store's "operations" column, and "batch submit"'s input
// file format).
func MarshalOperations(ops Operations) ([]byte, error) {
	wrapped := make([]operationJSON, len(ops))
	for i, op := range ops {
		wrapped[i] = toOperationJSON(op)
	}
	return json.Marshal(wrapped)
}

// UnmarshalOperations decodes an Operations bundle produced by
// MarshalOperations.
func UnmarshalOperations(data []byte) (Operations, error) {
	var wrapped []operationJSON
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	ops := make(Operations, len(wrapped))
	for i, oj := range wrapped {
		op, err := fromOperationJSON(oj)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

// resultJSON is the wire/disk representation of an OperationResult,
// carrying its originating operation alongside the outcome so a queue
// item's result column round-trips without a side channel.
type resultJSON struct {
	Operation  operationJSON     `json:"operation"`
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// MarshalResults encodes a result list for storage.
func MarshalResults(results []OperationResult) ([]byte, error) {
	wrapped := make([]resultJSON, len(results))
	for i, r := range results {
		wrapped[i] = resultJSON{
			Operation:  toOperationJSON(r.Operation),
			Success:    r.Success,
			StatusCode: r.StatusCode,
			Headers:    r.Headers,
			Body:       r.Body,
			Error:      r.Error,
		}
	}
	return json.Marshal(wrapped)
}

// UnmarshalResults decodes a result list produced by MarshalResults.
func UnmarshalResults(data []byte) ([]OperationResult, error) {
	var wrapped []resultJSON
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	results := make([]OperationResult, len(wrapped))
	for i, rj := range wrapped {
		op, err := fromOperationJSON(rj.Operation)
		if err != nil {
			return nil, err
		}
		results[i] = OperationResult{
			Operation:  op,
			Success:    rj.Success,
			StatusCode: rj.StatusCode,
			Headers:    rj.Headers,
			Body:       rj.Body,
			Error:      rj.Error,
		}
	}
	return results, nil
}
