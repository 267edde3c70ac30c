package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnmarshalJSON accepts a number, a number array, or a pipe-delimited
// string for the "revisions" field, per spec.md §6.
func (r *RevisionsRequest) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Revisions json.RawMessage `json:"revisions"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	ids, err := parseRevisionsValue(wrapper.Revisions)
	if err != nil {
		return err
	}
	r.Revisions = ids
	return nil
}

func parseRevisionsValue(raw json.RawMessage) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return []int64{int64(asNumber)}, nil
	}

	var asArray []json.Number
	if err := json.Unmarshal(raw, &asArray); err == nil {
		ids := make([]int64, 0, len(asArray))
		for _, n := range asArray {
			id, err := strconv.ParseInt(string(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("badinteger: %q", n)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return ParsePipeDelimitedIDs(asString)
	}

	return nil, fmt.Errorf("unsupported revisions value")
}

// ParsePipeDelimitedIDs parses a "id|id|id" query/body string into int64s.
// Returns an error wrapping "badinteger" semantics on any non-numeric
// component.
func ParsePipeDelimitedIDs(s string) ([]int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "|")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("badinteger: %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UnmarshalJSON accepts a bare string, a string array, or {"regex": "..."}.
func (f *FilterSpec) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		f.Literal = asString
		return nil
	}

	var asArray []string
	if err := json.Unmarshal(data, &asArray); err == nil {
		f.Set = asArray
		return nil
	}

	var asObject struct {
		Regex string `json:"regex"`
	}
	if err := json.Unmarshal(data, &asObject); err == nil && asObject.Regex != "" {
		f.Regex = asObject.Regex
		return nil
	}

	return fmt.Errorf("unsupported filter value")
}
