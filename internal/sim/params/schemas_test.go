package params_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// The shipped run config must satisfy the published schema.
func TestRunConfigSchema_ValidatesShippedConfig(t *testing.T) {
	schema, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "run_config.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "configs", "run.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}

	// Normalize through JSON so validation sees json.Unmarshal types.
	jb, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v any
	if err := json.Unmarshal(jb, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRunConfigSchema_RejectsUnknownKey(t *testing.T) {
	schema, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "run_config.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"bogus_key": 1}`), &v)
	if err := schema.Validate(v); err == nil {
		t.Fatalf("expected unknown key to fail validation")
	}
}
