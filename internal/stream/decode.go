package stream

import (
	"bytes"
	"encoding/json"
	"strconv"

	"pkt.systems/chaosdeck/schema"
)

type fields map[string]json.RawMessage

// Decode turns one raw frame into a stream event. It never fails: frames that are not
// JSON become RawFrame and unrecognized shapes become UnknownEvent.
func Decode(raw []byte) schema.StreamEvent {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return schema.RawFrame{Text: string(raw)}
	}
	var top fields
	if err := json.Unmarshal(trimmed, &top); err != nil || top == nil {
		return schema.UnknownEvent{Raw: compact(trimmed)}
	}
	if kind, _ := top.str("type"); kind == "event" {
		if inner, ok := top["event"]; ok && truthy(inner) {
			return decodeEvent(inner)
		}
	}
	if chunk, ok := top.str("partial"); ok {
		ev := top.partial(chunk)
		ev.Legacy = true
		return ev
	}
	if top.isStatusFrame() {
		return top.statusFrame()
	}
	return schema.UnknownEvent{Raw: compact(trimmed)}
}

func decodeEvent(raw json.RawMessage) schema.StreamEvent {
	var ev fields
	if err := json.Unmarshal(raw, &ev); err != nil || ev == nil {
		return schema.UnknownEvent{Raw: compact(raw)}
	}
	kind, _ := ev.str("type")
	switch kind {
	case "partial":
		chunk, ok := ev.str("partial")
		if !ok {
			break
		}
		return ev.partial(chunk)
	case "partial_end":
		return schema.PartialEndEvent{}
	case "write":
		text, _ := ev.str("text")
		return schema.WriteEvent{Text: text, Role: ev.role()}
	case "code":
		code, _ := ev.str("code")
		language, _ := ev.str("language")
		filename, _ := ev.str("filename")
		return schema.CodeEvent{Code: code, Language: language, Filename: filename, Role: ev.role()}
	case "subheader":
		text, _ := ev.str("text")
		return schema.SubheaderEvent{Text: text, Role: ev.role()}
	case "iframe":
		url, _ := ev.str("url")
		return schema.IframeEvent{URL: url, Role: ev.role()}
	case "tag":
		text, _ := ev.str("text")
		color, _ := ev.str("color")
		background, _ := ev.str("background")
		return schema.TagEvent{Text: text, Color: color, Background: background, Role: ev.role()}
	case "agent_start":
		return schema.AgentStartEvent{Agent: ev.agent()}
	case "agent_end":
		return schema.AgentEndEvent{Agent: ev.agent()}
	case "resume_start":
		return schema.ResumeStartEvent{Agent: ev.agent()}
	case "approval_request":
		phase, _ := ev.str("phase")
		message, _ := ev.str("message")
		jobID, _ := ev.str("job_id")
		return schema.ApprovalRequestEvent{Request: schema.ApprovalRequest{
			JobID:   schema.JobID(jobID),
			Agent:   ev.agent(),
			Phase:   phase,
			Message: message,
		}}
	}
	return schema.UnknownEvent{Raw: compact(raw)}
}

func (f fields) partial(chunk string) schema.PartialEvent {
	ev := schema.PartialEvent{
		Chunk:  chunk,
		Role:   f.role(),
		Mode:   schema.PartialDelta,
		Format: schema.FormatPlain,
		Final:  truthy(f["final"]),
	}
	if mode, _ := f.str("mode"); mode == string(schema.PartialFrame) {
		ev.Mode = schema.PartialFrame
	}
	if format, _ := f.str("format"); format == string(schema.FormatCode) {
		ev.Format = schema.FormatCode
	}
	ev.Language, _ = f.str("language")
	ev.Filename, _ = f.str("filename")
	return ev
}

func (f fields) role() schema.Role {
	if role, _ := f.str("role"); role != "" {
		return schema.Role(role)
	}
	return schema.RoleAssistant
}

func (f fields) agent() schema.AgentName {
	for _, key := range []string{"agent", "agent_name", "name"} {
		if value, _ := f.str(key); value != "" {
			return schema.AgentName(value)
		}
	}
	return ""
}

func (f fields) isStatusFrame() bool {
	for _, key := range []string{"rich", "message", "progress", "status"} {
		if truthy(f[key]) {
			return true
		}
	}
	return false
}

func (f fields) statusFrame() schema.JobStatusFrame {
	var frame schema.JobStatusFrame
	jobID, _ := f.str("job_id")
	status, _ := f.str("status")
	frame.JobID = schema.JobID(jobID)
	frame.Status = schema.JobStatus(status)
	frame.Progress, _ = f.str("progress")
	frame.Message, _ = f.str("message")
	frame.Rich, _ = f.str("rich")
	frame.Error, _ = f.str("error")
	frame.UpdatedAt, _ = f.str("updated_at")
	if result, ok := f["result"]; ok && !isNull(result) {
		frame.Result = append(json.RawMessage(nil), result...)
	}
	return frame
}

// str reads key as a string. Numbers and booleans are rendered as their JSON text;
// missing and null values report ok=false.
func (f fields) str(key string) (string, bool) {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return "", false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, true
		}
	}
	return string(compact(trimmed)), true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// truthy mirrors loose boolean coercion: false, 0, "", null and missing are false.
func truthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case 'n', 'f':
		return false
	case 't', '{', '[':
		return true
	case '"':
		return len(trimmed) > 2
	}
	n, err := strconv.ParseFloat(string(trimmed), 64)
	return err == nil && n != 0
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
