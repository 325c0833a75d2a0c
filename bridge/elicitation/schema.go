package elicitation

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
)

// SchemaRule constrains one field of a response payload: the value reached
// by Path (a gjson path for simple lookups, or a JSONPath expression when
// Path starts with "$" for structural queries) must satisfy every populated
// constraint below.
type SchemaRule struct {
	Path     string
	Required bool
	Equals   interface{}
	OneOf    []interface{}
}

// Schema is the set of rules a response to a given elicitation must satisfy.
type Schema []SchemaRule

// Validate checks payload against the schema, returning the first violation
// as an error, or nil if every rule is satisfied.
func (s Schema) Validate(payload []byte) error {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("elicitation: payload is not valid JSON: %w", err)
	}

	for _, rule := range s {
		value, found := lookup(doc, payload, rule.Path)
		if !found {
			if rule.Required {
				return fmt.Errorf("elicitation: missing required field %q", rule.Path)
			}
			continue
		}
		if rule.Equals != nil && !deepEqual(value, rule.Equals) {
			return fmt.Errorf("elicitation: field %q does not equal expected value", rule.Path)
		}
		if len(rule.OneOf) > 0 {
			ok := false
			for _, candidate := range rule.OneOf {
				if deepEqual(value, candidate) {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("elicitation: field %q is not one of the allowed values", rule.Path)
			}
		}
	}
	return nil
}

// lookup resolves a rule's path against the parsed document. Paths starting
// with "$" are evaluated as JSONPath (for structural/array queries); all
// others are evaluated with gjson against the raw payload bytes, which is
// cheaper for the common case of a flat field lookup.
func lookup(doc interface{}, raw []byte, path string) (interface{}, bool) {
	if len(path) > 0 && path[0] == '$' {
		result, err := jsonpath.Get(path, doc)
		if err != nil {
			return nil, false
		}
		return result, true
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func deepEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
