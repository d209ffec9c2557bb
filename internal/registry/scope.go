package registry

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const dataScopeSchema = `{
	"type": "array",
	"items": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9_.:-]+$"},
	"uniqueItems": true
}`

var compiledDataScope = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(dataScopeSchema))
	if err != nil {
		panic(fmt.Sprintf("registry: data_scope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("data_scope.json", doc); err != nil {
		panic(fmt.Sprintf("registry: data_scope schema: %v", err))
	}
	return c.MustCompile("data_scope.json")
}()

// ValidateDataScope checks that scope is a list of distinct resource labels.
func ValidateDataScope(scope []string) error {
	inst := make([]any, len(scope))
	for i, s := range scope {
		inst[i] = s
	}
	if err := compiledDataScope.Validate(inst); err != nil {
		return fmt.Errorf("invalid data_scope: %w", err)
	}
	return nil
}
