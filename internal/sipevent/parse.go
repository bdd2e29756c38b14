package sipevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Field aliases seen across switch configurations. The event route scripts
// are operator-written, so the same field travels under several names.
var (
	callIDKeys = []string{"call_id", "callid", "call-id", "b2b_key", "key", "id"}
	sdpKeys    = []string{"sdp_body", "sdp", "body"}
	callerKeys = []string{"caller", "from", "from_uri"}
	calleeKeys = []string{"callee", "to", "to_uri"}
	reasonKeys = []string{"reason", "cause", "status"}
	nameKeys   = []string{"event", "event_type", "event_name", "name", "type"}
)

var errNoCallID = errors.New("event carries no call id")

// Parse decodes one event datagram: JSON object first, key=value lines as
// the fallback, then a keyword heuristic for unrecognized event names.
func Parse(data []byte) (Event, error) {
	if !utf8.Valid(data) {
		return Event{}, errors.New("datagram is not valid utf-8")
	}

	fields, err := parseFields(data)
	if err != nil {
		return Event{}, err
	}
	return dispatch(fields, string(data))
}

// parseFields extracts a flat string map from JSON or key=value lines.
func parseFields(data []byte) (map[string]string, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty datagram")
	}

	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]any
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, fmt.Errorf("invalid json event: %w", err)
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[strings.ToLower(k)] = val
			case float64, bool:
				fields[strings.ToLower(k)] = fmt.Sprint(val)
			}
		}
		return fields, nil
	}

	// key=value, one pair per line. The SDP body, when inlined, is the
	// remainder after a blank line.
	fields := make(map[string]string)
	body := ""
	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			body = strings.Join(lines[i+1:], "\n")
			break
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	if len(fields) == 0 {
		return nil, errors.New("no key=value pairs in datagram")
	}
	if body != "" {
		if _, has := fields["sdp_body"]; !has {
			fields["sdp_body"] = body
		}
	}
	return fields, nil
}

func lookup(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func dispatch(fields map[string]string, raw string) (Event, error) {
	name := strings.ToUpper(lookup(fields, nameKeys))
	action := strings.ToLower(fields["action"])
	callID := lookup(fields, callIDKeys)

	ev := Event{
		CallID: callID,
		SDP:    lookup(fields, sdpKeys),
		Caller: lookup(fields, callerKeys),
		Callee: lookup(fields, calleeKeys),
		Reason: lookup(fields, reasonKeys),
	}

	switch {
	case name == "E_CALL_SETUP",
		name == "OAVC_CALL_EVENT" && action == "start":
		if callID == "" {
			return Event{}, errNoCallID
		}
		ev.Kind = KindCallStart
		return ev, nil

	case name == "E_CALL_ANSWERED":
		ev.Kind = KindCallAnswered
		return ev, nil

	case name == "E_CALL_TERMINATED",
		name == "OAVC_CALL_EVENT" && action == "end":
		if callID == "" {
			return Event{}, errNoCallID
		}
		ev.Kind = KindCallEnd
		return ev, nil
	}

	// Unknown event name: fall back to keyword scanning so a reworded
	// route script still produces usable events.
	if callID == "" {
		return Event{}, fmt.Errorf("unknown event %q with no call id", name)
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "setup"),
		strings.Contains(lower, "start"),
		strings.Contains(lower, "invite"):
		ev.Kind = KindCallStart
		return ev, nil
	case strings.Contains(lower, "terminat"),
		strings.Contains(lower, "end"),
		strings.Contains(lower, "bye"),
		strings.Contains(lower, "hangup"):
		ev.Kind = KindCallEnd
		return ev, nil
	}
	return Event{}, fmt.Errorf("unrecognized event %q", name)
}
