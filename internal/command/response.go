package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rbright/oslctl/internal/errs"
)

// CheckResponse decodes raw and returns a CommandError for the first failed entry. Entries
// may be a single object, a list, or nested under projects/commands.
func CheckResponse(name string, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errs.ErrEmptyResponse
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, &errs.ResponseFormatError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := checkEntry(name, decoded, 0); err != nil {
		return decoded, err
	}
	return decoded, nil
}

func checkEntry(name string, entry any, depth int) error {
	if depth > 4 {
		return nil
	}
	switch v := entry.(type) {
	case []any:
		for _, item := range v {
			if err := checkEntry(name, item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		if status, ok := v["status"].(string); ok && strings.EqualFold(status, "failure") {
			return commandError(name, v)
		}
		for _, key := range []string{"projects", "commands"} {
			if nested, ok := v[key]; ok {
				if err := checkEntry(name, nested, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func commandError(name string, entry map[string]any) error {
	cmdErr := &errs.CommandError{Command: name}
	if msg, ok := entry["message"].(string); ok {
		cmdErr.Message = msg
	} else {
		raw, _ := json.Marshal(entry)
		cmdErr.Message = "command error: " + string(raw)
	}
	if stdErr, ok := entry["std_err"].(string); ok {
		cmdErr.StdErr = stdErr
	}
	return cmdErr
}

// Lookup walks decoded JSON objects by key and returns the value at path.
func Lookup(decoded any, path ...string) (any, bool) {
	current := decoded
	for _, key := range path {
		if list, ok := current.([]any); ok {
			if len(list) == 0 {
				return nil, false
			}
			current = list[0]
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString is Lookup for string leaves.
func LookupString(decoded any, path ...string) (string, bool) {
	v, ok := Lookup(decoded, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
