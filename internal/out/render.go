package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/ggonzalez94/kmandex/internal/config"
	"github.com/ggonzalez94/kmandex/internal/model"
)

// Render writes env in the configured output mode. SelectFields accepts
// dotted paths such as "meta.run_id" or "operations.name".
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(normalizeValue(data), settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			return encodeIndented(w, data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		return encodeIndented(w, env)
	}

	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

func encodeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for i := 0; i < v.Len(); i++ {
			line, err := toLine(normalizeValue(v.Index(i).Interface()), "")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data), "")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

func project(data any, fields []string) any {
	switch t := data.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, project(item, fields))
		}
		return out
	case map[string]any:
		out := map[string]any{}
		for _, f := range fields {
			head, rest, nested := strings.Cut(f, ".")
			v, ok := t[head]
			if !ok {
				continue
			}
			if !nested {
				out[head] = v
				continue
			}
			sub := project(v, []string{rest})
			if existing, ok := out[head]; ok {
				sub = merge(existing, sub)
			}
			out[head] = sub
		}
		return out
	default:
		return data
	}
}

// merge combines two projections of the same value.
func merge(a, b any) any {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok {
			return b
		}
		for k, v := range bt {
			if existing, ok := at[k]; ok {
				at[k] = merge(existing, v)
			} else {
				at[k] = v
			}
		}
		return at
	case []any:
		bt, ok := b.([]any)
		if !ok || len(bt) != len(at) {
			return b
		}
		for i := range at {
			at[i] = merge(at[i], bt[i])
		}
		return at
	default:
		return b
	}
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine flattens nested maps into key=value pairs with dotted keys.
func toLine(v any, prefix string) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		if prefix == "" {
			return string(buf), nil
		}
		return fmt.Sprintf("%s=%s", prefix, trimQuotes(string(buf))), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			line, err := toLine(nested, key)
			if err != nil {
				return "", err
			}
			if line != "" {
				parts = append(parts, line)
			}
			continue
		}
		line, err := toLine(m[k], key)
		if err != nil {
			return "", err
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " "), nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
