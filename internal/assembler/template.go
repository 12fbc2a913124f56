package assembler

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func LoadTemplate(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return DecodeTemplate(data, FormatOf(path))
}

func DecodeTemplate(data []byte, format Format) (map[string]any, error) {
	var tpl map[string]any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &tpl)
	default:
		err = json.Unmarshal(data, &tpl)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s template: %w", format, err)
	}
	if tpl == nil {
		tpl = map[string]any{}
	}
	return tpl, nil
}

func Encode(w io.Writer, v any, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	}
}

func WriteFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, v, FormatOf(path)); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
