package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateConfigSchemas compiles and checks every step's ConfigSchema (at
// any nesting level) against its own Config, failing Build() fast on a
// mismatch instead of letting a malformed step config surface as a
// confusing runtime filter error. Grounded on the teacher's
// pkg/firewall.PolicyFirewall, which compiles a per-tool JSON-Schema once
// and validates call params against it before dispatch — the same
// validate-before-you-run shape, applied to plan steps instead of tool
// calls.
func validateConfigSchemas(steps []Step) error {
	for _, s := range steps {
		if s.ConfigSchema != "" {
			if err := validateStepConfig(s); err != nil {
				return fmt.Errorf("plan: step %q config schema: %w", s.FilterID, err)
			}
		}
		if err := validateConfigSchemas(s.Children); err != nil {
			return err
		}
	}
	return nil
}

func validateStepConfig(s Step) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	schemaURL := fmt.Sprintf("https://fiscallayer.local/schemas/step/%s.json", sanitizeSchemaURLSegment(s.FilterID))
	if err := compiler.AddResource(schemaURL, strings.NewReader(s.ConfigSchema)); err != nil {
		return fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile failed: %w", err)
	}

	// jsonschema validates against generic JSON values (map[string]any /
	// []any / json.Number); round-trip Config through encoding/json so
	// int/float/time.Time-ish Go values match the schema's expectations
	// the same way they would coming off the wire.
	raw, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("config marshal failed: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("config unmarshal failed: %w", err)
	}

	if err := compiled.Validate(generic); err != nil {
		return fmt.Errorf("config does not satisfy schema: %w", err)
	}
	return nil
}

func sanitizeSchemaURLSegment(id string) string {
	if id == "" {
		return "group"
	}
	return id
}
