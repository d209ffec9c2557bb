package controls

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config schemas per control type. Unknown keys are rejected.
var configSchemas = map[Type]string{
	TypeAIBattery: `{
		"type": "object",
		"properties": {
			"max_credits":  {"type": "number", "minimum": 0},
			"used_credits": {"type": "number", "minimum": 0},
			"auto_disable": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	TypeGlobalThrottle: `{
		"type": "object",
		"properties": {
			"max_rpm": {"type": ["integer", "null"], "minimum": 0}
		},
		"additionalProperties": false
	}`,
	TypeKillSwitch: `{"type": "object"}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[Type]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	out := make(map[Type]*jsonschema.Schema, len(configSchemas))
	for t, src := range configSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("controls: %s schema: %v", t, err))
		}
		loc := string(t) + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			panic(fmt.Sprintf("controls: %s schema: %v", t, err))
		}
		out[t] = c.MustCompile(loc)
	}
	return out
}

// ValidateConfig checks raw against the config schema of t. An absent config
// is treated as {}.
func ValidateConfig(t Type, raw json.RawMessage) error {
	sch, ok := compiledSchemas[t]
	if !ok {
		return fmt.Errorf("unknown control type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid %s config: %w", t, err)
	}
	return nil
}
