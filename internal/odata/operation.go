// Package odata implements the Dynamics 365 OData operation model, the
// $batch changeset builder, and the multipart batch response parser
// (spec §3, §4.4-§4.6).
package odata

import (
	"encoding/json"
	"fmt"

	"github.com/norpie/dynops/internal/errs"
)

// Kind names an Operation variant for metrics and logging (spec §4.4).
type Kind string

const (
	KindCreate         Kind = "create"
	KindCreateWithRefs Kind = "create_with_refs"
	KindUpdate         Kind = "update"
	KindUpsert         Kind = "upsert"
	KindDelete         Kind = "delete"
	KindAssociateRef   Kind = "associate_ref"
)

// Operation is the tagged-variant interface implemented by each of the
// six request shapes in spec §3. It deliberately has no Go sum-type
// equivalent; a type switch over the concrete structs below is the
// idiomatic substitute, mirroring how the builder and client dispatch.
type Operation interface {
	OperationType() Kind
	Entity() string
}

// Operations is an ordered sequence of Operation (spec §3). Execution-time
// invariant: every CreateWithRefs's "$N" resolves to a strictly earlier
// element.
type Operations []Operation

// Create issues POST /{EntitySet}.
type Create struct {
	EntitySet string
	Data      map[string]interface{}
}

func (o Create) OperationType() Kind { return KindCreate }
func (o Create) Entity() string      { return o.EntitySet }

// CreateWithRefs is a Create whose body gains "{field}@odata.bind":"$N"
// entries bound to an earlier sibling's Content-ID in the same changeset.
type CreateWithRefs struct {
	EntitySet     string
	Data          map[string]interface{}
	ContentIDRefs map[string]string // field -> "$N"
}

func (o CreateWithRefs) OperationType() Kind { return KindCreateWithRefs }
func (o CreateWithRefs) Entity() string      { return o.EntitySet }

// Update issues PATCH /{EntitySet}({ID}).
type Update struct {
	EntitySet string
	ID        string
	Data      map[string]interface{}
}

func (o Update) OperationType() Kind { return KindUpdate }
func (o Update) Entity() string      { return o.EntitySet }

// Upsert issues PATCH /{EntitySet}({KeyField}='{KeyValue}').
type Upsert struct {
	EntitySet string
	KeyField  string
	KeyValue  string
	Data      map[string]interface{}
}

func (o Upsert) OperationType() Kind { return KindUpsert }
func (o Upsert) Entity() string      { return o.EntitySet }

// Delete issues DELETE /{EntitySet}({ID}).
type Delete struct {
	EntitySet string
	ID        string
}

func (o Delete) OperationType() Kind { return KindDelete }
func (o Delete) Entity() string      { return o.EntitySet }

// AssociateRef issues POST /{EntitySet}({EntityRef})/{NavigationProperty}/$ref.
type AssociateRef struct {
	EntitySet          string
	EntityRef          string
	NavigationProperty string
	TargetRef          string // path starting with "/"
}

func (o AssociateRef) OperationType() Kind { return KindAssociateRef }
func (o AssociateRef) Entity() string      { return o.EntitySet }

// Request describes the wire-level HTTP request for one operation,
// independent of whether it is sent standalone or inside a changeset.
type Request struct {
	Method string
	Path   string // relative to the entity-set root, e.g. "/contacts" or "/contacts(id)"
	Body   map[string]interface{}
}

// BuildRequest renders op into its HTTP method/path/body, per the mapping
// table in spec §3. hostBase is used only by AssociateRef's @odata.id body.
func BuildRequest(op Operation, hostBase string) (Request, error) {
	switch v := op.(type) {
	case Create:
		return Request{Method: "POST", Path: "/" + v.EntitySet, Body: v.Data}, nil
	case CreateWithRefs:
		body := make(map[string]interface{}, len(v.Data)+len(v.ContentIDRefs))
		for k, val := range v.Data {
			body[k] = val
		}
		for field, ref := range v.ContentIDRefs {
			body[field+"@odata.bind"] = ref
		}
		return Request{Method: "POST", Path: "/" + v.EntitySet, Body: body}, nil
	case Update:
		return Request{Method: "PATCH", Path: fmt.Sprintf("/%s(%s)", v.EntitySet, v.ID), Body: v.Data}, nil
	case Upsert:
		return Request{Method: "PATCH", Path: fmt.Sprintf("/%s(%s='%s')", v.EntitySet, v.KeyField, v.KeyValue), Body: v.Data}, nil
	case Delete:
		return Request{Method: "DELETE", Path: fmt.Sprintf("/%s(%s)", v.EntitySet, v.ID)}, nil
	case AssociateRef:
		path := fmt.Sprintf("/%s(%s)/%s/$ref", v.EntitySet, v.EntityRef, v.NavigationProperty)
		body := map[string]interface{}{"@odata.id": hostBase + v.TargetRef}
		return Request{Method: "POST", Path: path, Body: body}, nil
	default:
		return Request{}, errs.New("odata.BuildRequest", errs.KindInvalidReference, fmt.Errorf("unknown operation type %T", op))
	}
}

// MarshalBody renders req.Body to JSON, or nil if the body is nil (GET
// and DELETE never carry a body). A non-nil empty body renders as "{}".
func (r Request) MarshalBody() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return json.Marshal(r.Body)
}

// OperationResult is the outcome of one operation, whether executed
// standalone or as part of a batch (spec §3).
type OperationResult struct {
	Operation  Operation
	Success    bool
	StatusCode int
	Headers    map[string]string
	Body       json.RawMessage
	Error      string
}

// EntityIDFromHeader extracts the server-assigned GUID from an
// OData-EntityId header of the form ".../entities({guid})" (spec §3, §GLOSSARY).
func (r OperationResult) EntityIDFromHeader() (string, bool) {
	raw, ok := r.Headers["OData-EntityId"]
	if !ok {
		return "", false
	}
	open := -1
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '(' {
			open = i
			break
		}
	}
	close := -1
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ')' {
			close = i
			break
		}
	}
	if open < 0 || close < 0 || close <= open+1 {
		return "", false
	}
	return raw[open+1 : close], true
}
