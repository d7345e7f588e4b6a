// Package ipc lets sandboxed agents talk back to the host through JSON files
// dropped into a per-group directory tree. The directory a file arrives in is
// the principal; payloads are schema-validated before anything else looks at
// them.
package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request kinds.
const (
	KindSendMessage      = "send_message"
	KindReaction         = "reaction"
	KindPoll             = "poll"
	KindScheduleTask     = "schedule_task"
	KindPauseTask        = "pause_task"
	KindResumeTask       = "resume_task"
	KindCancelTask       = "cancel_task"
	KindTriggerHeartbeat = "trigger_heartbeat"
	KindRegisterGroup    = "register_group"
	KindRefreshGroups    = "refresh_groups"
	KindUpdateProject    = "update_project"
	KindSelfUpdate       = "self_update"
)

// kindSchemas holds one JSON Schema per request kind. The envelope "kind"
// field is validated separately so unknown kinds get a clear error.
var kindSchemas = map[string]string{
	KindSendMessage: `{
		"type": "object",
		"properties": {
			"kind": {"const": "send_message"},
			"to": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1},
			"reply_to": {"type": "string", "minLength": 1},
			"attachments": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"maxItems": 10
			}
		},
		"required": ["kind", "text"],
		"additionalProperties": false
	}`,
	KindReaction: `{
		"type": "object",
		"properties": {
			"kind": {"const": "reaction"},
			"to": {"type": "string", "minLength": 1},
			"message_id": {"type": "string", "minLength": 1},
			"emoji": {"type": "string", "minLength": 1, "maxLength": 16}
		},
		"required": ["kind", "message_id", "emoji"],
		"additionalProperties": false
	}`,
	KindPoll: `{
		"type": "object",
		"properties": {
			"kind": {"const": "poll"},
			"to": {"type": "string", "minLength": 1},
			"question": {"type": "string", "minLength": 1},
			"options": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"minItems": 2,
				"maxItems": 12
			}
		},
		"required": ["kind", "question", "options"],
		"additionalProperties": false
	}`,
	KindScheduleTask: `{
		"type": "object",
		"properties": {
			"kind": {"const": "schedule_task"},
			"schedule_kind": {"enum": ["cron", "interval", "once"]},
			"schedule_expr": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1},
			"context_mode": {"enum": ["group", "isolated"]}
		},
		"required": ["kind", "schedule_kind", "schedule_expr", "prompt", "context_mode"],
		"additionalProperties": false
	}`,
	KindPauseTask: `{
		"type": "object",
		"properties": {
			"kind": {"const": "pause_task"},
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["kind", "task_id"],
		"additionalProperties": false
	}`,
	KindResumeTask: `{
		"type": "object",
		"properties": {
			"kind": {"const": "resume_task"},
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["kind", "task_id"],
		"additionalProperties": false
	}`,
	KindCancelTask: `{
		"type": "object",
		"properties": {
			"kind": {"const": "cancel_task"},
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["kind", "task_id"],
		"additionalProperties": false
	}`,
	KindTriggerHeartbeat: `{
		"type": "object",
		"properties": {
			"kind": {"const": "trigger_heartbeat"},
			"folder": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]{0,39}$"}
		},
		"required": ["kind"],
		"additionalProperties": false
	}`,
	KindRegisterGroup: `{
		"type": "object",
		"properties": {
			"kind": {"const": "register_group"},
			"folder": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]{0,39}$"},
			"chat_address": {"type": "string", "minLength": 3},
			"display_name": {"type": "string"},
			"requires_trigger": {"type": "boolean"}
		},
		"required": ["kind", "folder", "chat_address"],
		"additionalProperties": false
	}`,
	KindRefreshGroups: `{
		"type": "object",
		"properties": {
			"kind": {"const": "refresh_groups"}
		},
		"required": ["kind"],
		"additionalProperties": false
	}`,
	KindUpdateProject: `{
		"type": "object",
		"properties": {
			"kind": {"const": "update_project"},
			"note": {"type": "string", "minLength": 1}
		},
		"required": ["kind", "note"],
		"additionalProperties": false
	}`,
	KindSelfUpdate: `{
		"type": "object",
		"properties": {
			"kind": {"const": "self_update"},
			"version": {"type": "string", "minLength": 1}
		},
		"required": ["kind", "version"],
		"additionalProperties": false
	}`,
}

type schemaSet struct {
	byKind map[string]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	set := &schemaSet{byKind: make(map[string]*jsonschema.Schema, len(kindSchemas))}
	for kind, src := range kindSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		name := kind + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		compiled, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		set.byKind[kind] = compiled
	}
	return set, nil
}

// envelope peeks at the kind tag before full validation.
type envelope struct {
	Kind string `json:"kind"`
}

// Request is a validated, decoded IPC payload. Exactly the fields for its
// Kind are populated.
type Request struct {
	Kind string

	// send_message
	To          string
	Text        string
	ReplyTo     string
	Attachments []string

	// reaction
	MessageID string
	Emoji     string

	// poll
	Question string
	Options  []string

	// schedule_task
	ScheduleKind string
	ScheduleExpr string
	Prompt       string
	ContextMode  string

	// pause_task, resume_task, cancel_task
	TaskID string

	// register_group, trigger_heartbeat
	Folder          string
	ChatAddress     string
	DisplayName     string
	RequiresTrigger bool

	// update_project
	Note string

	// self_update
	Version string
}

type rawRequest struct {
	Kind            string   `json:"kind"`
	To              string   `json:"to"`
	Text            string   `json:"text"`
	ReplyTo         string   `json:"reply_to"`
	Attachments     []string `json:"attachments"`
	MessageID       string   `json:"message_id"`
	Emoji           string   `json:"emoji"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	ScheduleKind    string   `json:"schedule_kind"`
	ScheduleExpr    string   `json:"schedule_expr"`
	Prompt          string   `json:"prompt"`
	ContextMode     string   `json:"context_mode"`
	TaskID          string   `json:"task_id"`
	Folder          string   `json:"folder"`
	ChatAddress     string   `json:"chat_address"`
	DisplayName     string   `json:"display_name"`
	RequiresTrigger bool     `json:"requires_trigger"`
	Note            string   `json:"note"`
	Version         string   `json:"version"`
}

// parseRequest validates data against the schema for its kind and decodes it.
func (s *schemaSet) parseRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Request{}, fmt.Errorf("not a JSON object: %w", err)
	}
	schema, ok := s.byKind[env.Kind]
	if !ok {
		return Request{}, fmt.Errorf("unknown kind %q", env.Kind)
	}

	// jsonschema needs json.Number semantics, so re-parse through its reader.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Request{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("decode: %w", err)
	}
	return Request{
		Kind:            raw.Kind,
		To:              raw.To,
		Text:            raw.Text,
		ReplyTo:         raw.ReplyTo,
		Attachments:     raw.Attachments,
		MessageID:       raw.MessageID,
		Emoji:           raw.Emoji,
		Question:        raw.Question,
		Options:         raw.Options,
		ScheduleKind:    raw.ScheduleKind,
		ScheduleExpr:    raw.ScheduleExpr,
		Prompt:          raw.Prompt,
		ContextMode:     raw.ContextMode,
		TaskID:          raw.TaskID,
		Folder:          raw.Folder,
		ChatAddress:     raw.ChatAddress,
		DisplayName:     raw.DisplayName,
		RequiresTrigger: raw.RequiresTrigger,
		Note:            raw.Note,
		Version:         raw.Version,
	}, nil
}
