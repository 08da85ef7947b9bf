// Package webhook decodes and validates payloads posted to generic
// inbound webhooks.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

// DefaultSchema is applied when a connection has no schema of its own.
const DefaultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["external_id", "title"],
  "properties": {
    "external_id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "body": {"type": "string"},
    "state": {"enum": ["open", "done", "deleted"]},
    "due_at": {"type": "string", "format": "date-time"},
    "fields": {"type": "object"}
  }
}`

const schemaURL = "mem://webhook/schema.json"

// NewFetcher returns the push-only fetcher for webhook connections.
func NewFetcher() source.Fetcher {
	return source.PushOnly{Kind: model.ProviderWebhook}
}

// Decode validates payload against the connection's schema (DefaultSchema
// when none is set) and decodes it into a WebhookItem. A custom schema
// may add constraints but the payload must still carry the item fields.
func Decode(cfg *model.WebhookConfig, payload []byte) (*model.WebhookItem, error) {
	schema := []byte(DefaultSchema)
	if cfg != nil && len(cfg.Schema) > 0 {
		schema = cfg.Schema
	}

	sch, err := compile(schema)
	if err != nil {
		return nil, &model.ValidationError{Field: "schema", Message: err.Error()}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, &model.ValidationError{Field: "payload", Message: "invalid JSON: " + err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return nil, &model.ValidationError{Field: "payload", Message: describe(err)}
	}

	var item model.WebhookItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, &model.ValidationError{Field: "payload", Message: err.Error()}
	}
	if item.ExternalID == "" {
		return nil, &model.ValidationError{Field: "external_id", Message: "must not be empty"}
	}
	if item.State == "" {
		item.State = model.WebhookStateOpen
	}
	if item.DueAt != nil {
		due := item.DueAt.UTC()
		item.DueAt = &due
	}
	return &item, nil
}

func compile(schema []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return sch, nil
}

// describe flattens a validation error into one line.
func describe(err error) string {
	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return err.Error()
	}
	var causes []string
	for _, leaf := range leaves(vErr) {
		loc := "/" + strings.Join(leaf.InstanceLocation, "/")
		causes = append(causes, fmt.Sprintf("%s: %s", loc, leaf.Error()))
	}
	if len(causes) == 0 {
		return vErr.Error()
	}
	return strings.Join(causes, "; ")
}

func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
