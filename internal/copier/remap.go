package copier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/norpie/dynops/internal/errs"
)

// RawRecord is a source record's raw attribute bag, as returned by the
// Dynamics Web API.
type RawRecord map[string]interface{}

var systemFields = []string{"createdon", "modifiedon", "_createdby_value", "_modifiedby_value", "versionnumber"}

// sharedEntityFields names lookup fields whose GUID is never remapped:
// they point at reference data shared across every copy (spec §4.8).
var sharedEntityFields = []string{
	"questiontemplateid", "questiontagid", "categoryid", "domainid",
	"fundid", "supportid", "typeid", "subcategoryid", "flemishshareid",
}

func isSharedField(fieldName string) bool {
	for _, f := range sharedEntityFields {
		if strings.Contains(fieldName, f) {
			return true
		}
	}
	return false
}

// EntitySetTable maps a lookup field's base name (e.g.
// "nrq_questionnaireid") to the entity set it targets (e.g.
// "nrq_questionnaires"). It is plain data so it can be serialized
// alongside the rest of Schema instead of requiring a func value the
// caller would have to wire in Go.
type EntitySetTable map[string]string

// Resolve looks up the entity set for fieldName. A nil table always
// misses, the same as an empty one.
func (t EntitySetTable) Resolve(fieldName string) (string, bool) {
	if t == nil {
		return "", false
	}
	set, ok := t[fieldName]
	return set, ok
}

// stripSystemFields removes audit/versioning fields and the record's own
// primary key, returning a new map (the source record is untouched).
func stripSystemFields(rec RawRecord, primaryKey string) RawRecord {
	out := make(RawRecord, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, f := range systemFields {
		delete(out, f)
	}
	delete(out, primaryKey)
	return out
}

// remapLookups rewrites every "_{name}_value" field into a "{name}@odata.bind"
// navigation reference, resolving the target GUID through idMap unless the
// field names a shared entity (spec §4.8). Fields referencing a GUID not
// present in idMap, or a field table has no entity set for, abort the
// stage with UnresolvedReference.
func remapLookups(rec RawRecord, idMap map[string]string, table EntitySetTable) (RawRecord, error) {
	out := make(RawRecord, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for key, value := range rec {
		if !strings.HasPrefix(key, "_") || !strings.HasSuffix(key, "_value") {
			continue
		}
		guid, ok := value.(string)
		if !ok || guid == "" {
			delete(out, key)
			continue
		}
		fieldName := strings.TrimSuffix(strings.TrimPrefix(key, "_"), "_value")

		var finalGUID string
		if isSharedField(fieldName) {
			finalGUID = guid
		} else {
			mapped, found := idMap[guid]
			if !found {
				return nil, errs.New("copier.remapLookups", errs.KindUnresolvedReference,
					fmt.Errorf("%w: field %q references unmapped id %q", errs.ErrUnresolvedReference, fieldName, guid))
			}
			finalGUID = mapped
		}

		entitySet, ok := table.Resolve(fieldName)
		if !ok {
			return nil, errs.New("copier.remapLookups", errs.KindUnresolvedReference,
				fmt.Errorf("%w: no entity set mapping for lookup field %q", errs.ErrUnresolvedReference, fieldName))
		}
		delete(out, key)
		out[fieldName+"@odata.bind"] = fmt.Sprintf("/%s(%s)", entitySet, finalGUID)
	}
	return out, nil
}

// remapConditionJSON rewrites every questionId embedded in a condition's
// JSON blob via idMap, preserving all other fields verbatim. A reference
// to an unmapped question id aborts the stage (spec §4.8 step 8).
func remapConditionJSON(raw string, idMap map[string]string) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", errs.New("copier.remapConditionJSON", errs.KindParse, fmt.Errorf("%w: %v", errs.ErrParse, err))
	}

	if qid, ok := doc["questionId"].(string); ok && qid != "" {
		newID, found := idMap[qid]
		if !found {
			return "", errs.New("copier.remapConditionJSON", errs.KindUnresolvedReference,
				fmt.Errorf("%w: condition json questionId %q", errs.ErrUnresolvedReference, qid))
		}
		doc["questionId"] = newID
	}

	if list, ok := doc["questions"].([]interface{}); ok {
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			qid, ok := entry["questionId"].(string)
			if !ok || qid == "" {
				continue
			}
			newID, found := idMap[qid]
			if !found {
				return "", errs.New("copier.remapConditionJSON", errs.KindUnresolvedReference,
					fmt.Errorf("%w: condition json questions[].questionId %q", errs.ErrUnresolvedReference, qid))
			}
			entry["questionId"] = newID
		}
	}

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return "", errs.New("copier.remapConditionJSON", errs.KindParse, err)
	}
	return string(rewritten), nil
}
