package inferbatch

import (
	"fmt"
	"strings"
)

// Overheads of the function-definition block the provider injects into
// the prompt.
const (
	propInitTokens = 3
	propKeyTokens  = 3
	enumInitTokens = -3
	enumItemTokens = 3
	funcEndTokens  = 12
)

// FunctionTokens counts the prompt tokens added by tool definitions.
// An empty tool list adds nothing.
func (e *Estimator) FunctionTokens(tools []Tool) (int64, error) {
	if len(tools) == 0 {
		return 0, nil
	}

	var total int64
	for _, t := range tools {
		f := t.Function
		total += e.profile.funcInit

		n, err := e.count(f.Name + ":" + strings.TrimSuffix(f.Description, "."))
		if err != nil {
			return 0, err
		}
		total += n

		if f.Parameters != nil {
			n, err = e.propertyTokens(f.Parameters.Properties)
			if err != nil {
				return 0, fmt.Errorf("function %s: %w", f.Name, err)
			}
			total += n
		}
	}
	total += funcEndTokens
	return total, nil
}

// propertyTokens walks a properties map, descending into nested objects
// and into array items that are objects.
func (e *Estimator) propertyTokens(props map[string]*Schema) (int64, error) {
	if len(props) == 0 {
		return 0, nil
	}

	var total int64 = propInitTokens
	for key, p := range props {
		if p == nil {
			p = &Schema{}
		}
		total += propKeyTokens

		if p.Enum != nil {
			total += enumInitTokens
			for _, item := range p.Enum {
				n, err := e.count(fmt.Sprint(item))
				if err != nil {
					return 0, err
				}
				total += enumItemTokens + n
			}
		}

		n, err := e.count(key + ":" + p.Type + ":" + strings.TrimSuffix(p.Description, "."))
		if err != nil {
			return 0, err
		}
		total += n

		if len(p.Properties) > 0 {
			n, err = e.propertyTokens(p.Properties)
			if err != nil {
				return 0, err
			}
			total += n
		}
		if p.Items != nil && len(p.Items.Properties) > 0 {
			n, err = e.propertyTokens(p.Items.Properties)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}
