package tags

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedTemplate is returned for unbalanced braces.
var ErrMalformedTemplate = errors.New("malformed template")

// MissingTagError is returned when a template references a tag outside the
// vocabulary or absent from the context.
type MissingTagError struct {
	Tag string
}

func (e *MissingTagError) Error() string {
	return fmt.Sprintf("unknown template tag {%s}", e.Tag)
}

// Format renders template against c. Placeholders are {tag}; "{{" and "}}"
// produce literal braces. Substitution is a single pass: values are never
// expanded again.
func Format(template string, c Context) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	err := scan(template, func(lit string) {
		b.WriteString(lit)
	}, func(key string) error {
		if !known[key] {
			return &MissingTagError{Tag: key}
		}
		v, ok := c[key]
		if !ok {
			return &MissingTagError{Tag: key}
		}
		b.WriteString(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Validate checks that template is well formed and only references known
// tags.
func Validate(template string) error {
	return scan(template, func(string) {}, func(key string) error {
		if !known[key] {
			return &MissingTagError{Tag: key}
		}
		return nil
	})
}

func scan(template string, literal func(string), tag func(string) error) error {
	for i := 0; i < len(template); {
		switch ch := template[i]; ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				literal("{")
				i += 2
				continue
			}
			end := strings.IndexAny(template[i+1:], "{}")
			if end < 0 || template[i+1+end] != '}' {
				return fmt.Errorf("%w: unclosed '{' at offset %d", ErrMalformedTemplate, i)
			}
			if err := tag(template[i+1 : i+1+end]); err != nil {
				return err
			}
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				literal("}")
				i += 2
				continue
			}
			return fmt.Errorf("%w: single '}' at offset %d", ErrMalformedTemplate, i)
		default:
			next := strings.IndexAny(template[i:], "{}")
			if next < 0 {
				literal(template[i:])
				return nil
			}
			literal(template[i : i+next])
			i += next
		}
	}
	return nil
}
