// Package render substitutes variables into prompt templates.
// Placeholders use single braces, {name}; doubled braces escape a
// literal brace, matching the template syntax stored with each
// prompt version.
package render

import (
	"fmt"
	"strings"
)

// MissingVariableError reports a placeholder with no value supplied.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable: %q", e.Name)
}

// Render substitutes variables into template.
func Render(template string, variables map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]

		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := template[i+1 : i+end]
			value, ok := variables[name]
			if !ok {
				return "", &MissingVariableError{Name: name}
			}
			b.WriteString(value)
			i += end
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("unmatched '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// Check validates a template's placeholder syntax without rendering it.
func Check(template string) error {
	_, err := scan(template)
	return err
}

// Variables returns the placeholder names a template requires, in order
// of first appearance.
func Variables(template string) ([]string, error) {
	return scan(template)
}

func scan(template string) ([]string, error) {
	var names []string
	seen := make(map[string]struct{})

	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := template[i+1 : i+end]
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
			i += end
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				i++
				continue
			}
			return nil, fmt.Errorf("unmatched '}' at offset %d", i)
		}
	}

	return names, nil
}
