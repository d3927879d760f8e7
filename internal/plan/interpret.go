package plan

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Plan is one model response split into a chat message and the actions to run.
type Plan struct {
	Message    string
	HasMessage bool
	Actions    []Action
	// Fallback is set when the output was not a JSON object and the raw text
	// became the message.
	Fallback bool
	// Repaired is set when the output only parsed after fence stripping or
	// JSON repair.
	Repaired bool
}

// Interpret turns raw model output into a plan. It never fails: output that
// cannot be read as a JSON object is returned verbatim as the message.
func Interpret(raw string) Plan {
	if fields, ok := decodeObject(raw); ok {
		return fromFields(fields)
	}

	if candidate := stripFence(raw); candidate != "" && candidate[0] == '{' {
		if fields, ok := decodeObject(candidate); ok {
			p := fromFields(fields)
			p.Repaired = true
			return p
		}
		if fixed, err := jsonrepair.JSONRepair(candidate); err == nil {
			if fields, ok := decodeObject(fixed); ok {
				p := fromFields(fields)
				p.Repaired = true
				return p
			}
		}
	}

	return Plan{
		Message:    raw,
		HasMessage: raw != "",
		Actions:    []Action{},
		Fallback:   true,
	}
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func fromFields(fields map[string]json.RawMessage) Plan {
	p := Plan{Actions: []Action{}}

	if msg, ok := fields["message"]; ok {
		if text, present := scalarString(msg); present && text != "" {
			p.Message = text
			p.HasMessage = true
		}
	}

	rawActions, ok := fields["actions"]
	if !ok {
		return p
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawActions, &items); err != nil {
		return p
	}
	for _, item := range items {
		p.Actions = append(p.Actions, decodeAction(item))
	}
	return p
}

func decodeAction(item json.RawMessage) Action {
	raw := string(bytes.TrimSpace(item))
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
		return Unknown{Raw: raw}
	}

	field := func(name string) string {
		v, _ := scalarString(obj[name])
		return v
	}
	w := Wire{
		Action:    field("action"),
		Selector:  field("selector"),
		Text:      field("text"),
		Value:     field("value"),
		URL:       field("url"),
		Direction: field("direction"),
		Type:      field("type"),
	}
	return fromWire(w, raw)
}

// scalarString renders a JSON value as text. Strings are unquoted, null and
// absent values report false, anything else is kept as its JSON text.
func scalarString(v json.RawMessage) (string, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return "", false
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, true
		}
	}
	if v[0] == '{' || v[0] == '[' {
		return string(v), true
	}
	if n, err := strconv.ParseFloat(string(v), 64); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return string(v), true
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
