package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

// LoadMocks reads a standalone mocks file: the same mapping a .tyml file
// carries under default_mocks, promoted to a document of its own. Test runs
// layer the result over the procedure's defaults.
func LoadMocks(path string) (*runtime.MockConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "read mocks file")
	}
	cfg, err := ParseMocks(data)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return nil, f.WithDetail("file", path)
		}
		return nil, err
	}
	return cfg, nil
}

// ParseMocks decodes one mocks document. Unknown fields are errors.
func ParseMocks(data []byte) (*runtime.MockConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var node mocksNode
	if err := dec.Decode(&node); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fault.New(fault.KindValidation, "mocks file is empty")
		}
		return nil, fault.Wrap(fault.KindValidation, err, "parse mocks file")
	}
	return node.config(), nil
}
