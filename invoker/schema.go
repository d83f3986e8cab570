package invoker

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/orcacore/toolregistry"
)

// schemaValidator compiles and caches one *jsonschema.Schema per ToolSchema,
// keyed by tool name, so repeated calls to the same tool do not recompile
// its parameter schema on every dispatch (spec §4.3 implementation notes).
// Grounded on goa-ai's registry/service.go validatePayloadJSONAgainstSchema,
// which uses the same compiler/AddResource/Compile/Validate sequence; here
// compilation results are kept rather than discarded per call.
type schemaValidator struct {
	mu     sync.Mutex
	cached map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cached: make(map[string]*jsonschema.Schema)}
}

// Validate compiles (or reuses the compiled form of) schema.Parameters and
// validates arguments against it. A nil or empty Parameters map means the
// tool declares no schema, and any arguments are accepted.
func (v *schemaValidator) Validate(schema toolregistry.ToolSchema, arguments map[string]any) error {
	if len(schema.Parameters) == 0 {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", schema.Name, err)
	}

	// jsonschema validates against decoded JSON values; arguments already
	// arrived as map[string]any from the reasoning model's function-call
	// payload, so no marshal/unmarshal round trip is needed here.
	if err := compiled.Validate(map[string]any(arguments)); err != nil {
		return err
	}
	return nil
}

func (v *schemaValidator) compile(schema toolregistry.ToolSchema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.cached[schema.Name]; ok {
		return c, nil
	}

	resourceID := "tool://" + schema.Name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceID, schema.Parameters); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	v.cached[schema.Name] = compiled
	return compiled, nil
}
