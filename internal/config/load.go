package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, merges environment-variable
// credential fallbacks and CLI overrides onto it, validates the result
// against the embedded schema and Config.Validate's cross-field checks,
// and returns the merged, immutable Config.
//
// Schema violations are collected and returned together rather than
// fail-fast, so a user fixing a config file sees every problem in one
// pass.
func Load(path string, overrides Overrides) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}

	doc := document{Config: Defaults()}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := doc.Config
	applyEnv(&cfg)
	applyOverrides(&cfg, overrides)

	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %d validation error(s): %w", len(errs), joinErrors(errs))
	}

	return cfg, nil
}

// validateSchema checks raw against the embedded JSON Schema. YAML decodes
// to the same tree shape JSON would, so the schema is written once and
// shared between the two representations (the library accepts an
// interface{} document regardless of source format).
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parsing for schema validation: %w", err)
	}
	doc = normalizeForSchema(doc)

	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		return fmt.Errorf("config: parsing embedded schema: %w", err)
	}
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("config: loading embedded schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("config: compiling embedded schema: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		var validationErr *jsonschema.ValidationError
		if ok := asValidationError(err, &validationErr); ok {
			return fmt.Errorf("config: schema validation failed:\n%s", validationErr.DetailedOutput())
		}
		return fmt.Errorf("config: schema validation failed: %w", err)
	}
	return nil
}

// normalizeForSchema converts map[string]interface{} produced by
// yaml.Unmarshal's generic decode into the nested-map shape
// jsonschema/v6 expects (it is stricter about map key types than YAML's
// decoder is by default).
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeForSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeForSchema(vv)
		}
		return out
	default:
		return val
	}
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

func joinErrors(errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
