package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// The small bookkeeping records beside a map's blobs stay in plain text so
// an operator can read them with cat. These helpers keep the formats in one
// place.

// EncodeInt renders a single integer record, newline terminated.
func EncodeInt(v int) []byte {
	return []byte(strconv.Itoa(v) + "\n")
}

// DecodeInt parses a single integer record.
func DecodeInt(data []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse integer record: %w", err)
	}
	return v, nil
}

// EncodeLines renders one value per line.
func EncodeLines(lines []string) []byte {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DecodeLines splits a line-oriented record, dropping blank lines.
func DecodeLines(data []byte) []string {
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// EncodeJSON renders an indented JSON record.
func EncodeJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json record: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeJSON parses a JSON record. Unknown fields are rejected so schema
// drift between writer and reader versions surfaces early.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json record: %w", err)
	}
	return nil
}

// EncodeYAML renders a YAML record. The stored submit description uses YAML
// so operators can eyeball the exact submission a map was created with.
func EncodeYAML(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode yaml record: %w", err)
	}
	return data, nil
}

// DecodeYAML parses a YAML record.
func DecodeYAML(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode yaml record: %w", err)
	}
	return nil
}
