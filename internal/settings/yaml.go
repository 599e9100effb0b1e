package settings

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DecodeYAML reads settings from a YAML document. Unknown keys are rejected.
func DecodeYAML(r io.Reader) (Settings, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Settings
	if err := dec.Decode(&s); err != nil {
		if err == io.EOF {
			return Defaults(), nil
		}
		return Settings{}, fmt.Errorf("decode settings yaml: %w", err)
	}
	return s.Normalize(), nil
}

// EncodeYAML renders settings as YAML.
func EncodeYAML(s Settings) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
