package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"tactus.dev/tactus/runtime/procedure/fault"
)

type (
	// Project is the resolved .tactus/config.yml of a workspace. The storage
	// section selects the backend; every other scalar key is exported as an
	// environment variable so provider SDKs pick credentials up from their
	// usual places (openai_api_key becomes OPENAI_API_KEY). Real environment
	// variables always win over file values.
	Project struct {
		Storage Storage
		env     map[string]string
	}

	// Storage selects and parameterizes the invocation store.
	Storage struct {
		// Backend is one of mem, disk, redis, mongo.
		Backend string `yaml:"backend"`
		// Path is the disk backend's root directory.
		Path string `yaml:"path"`
		// URL is the redis address or mongo connection string.
		URL string `yaml:"url"`
		// Database is the mongo database name.
		Database string `yaml:"database"`
	}
)

// DefaultStorageBackend is used when neither the project file nor the
// environment selects one.
const DefaultStorageBackend = "mem"

// LoadProject reads <dir>/.tactus/config.yml. A missing file yields the
// defaults; TACTUS_STORAGE, TACTUS_STORAGE_PATH, TACTUS_STORAGE_URL and
// TACTUS_STORAGE_DATABASE override the file.
func LoadProject(dir string) (*Project, error) {
	p := &Project{env: make(map[string]string)}

	path := filepath.Join(dir, ".tactus", "config.yml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := p.parse(data); err != nil {
			if f, ok := fault.As(err); ok {
				return nil, f.WithDetail("file", path)
			}
			return nil, err
		}
	case os.IsNotExist(err):
		// No project file; environment and defaults carry everything.
	default:
		return nil, fault.Wrap(fault.KindValidation, err, "read project config")
	}

	if v := os.Getenv("TACTUS_STORAGE"); v != "" {
		p.Storage.Backend = v
	}
	if v := os.Getenv("TACTUS_STORAGE_PATH"); v != "" {
		p.Storage.Path = v
	}
	if v := os.Getenv("TACTUS_STORAGE_URL"); v != "" {
		p.Storage.URL = v
	}
	if v := os.Getenv("TACTUS_STORAGE_DATABASE"); v != "" {
		p.Storage.Database = v
	}
	if p.Storage.Backend == "" {
		p.Storage.Backend = DefaultStorageBackend
	}
	return p, nil
}

func (p *Project) parse(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fault.Wrap(fault.KindValidation, err, "parse project config")
	}
	for key, value := range raw {
		if key == "storage" {
			if err := decodeSection(value, &p.Storage); err != nil {
				return err
			}
			continue
		}
		flatten(p.env, envKey(key), value)
	}
	return nil
}

// decodeSection round-trips one subtree through YAML into its struct,
// tolerating unknown keys so provider settings can ride along.
func decodeSection(value any, target any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "encode storage section")
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fault.Wrap(fault.KindValidation, err, "parse storage section")
	}
	return nil
}

// flatten records scalar leaves under underscore-joined upper-case keys, one
// nesting level deep, matching how the env exports are conventionally named.
func flatten(out map[string]string, prefix string, value any) {
	switch v := value.(type) {
	case string:
		out[prefix] = v
	case bool:
		out[prefix] = strconv.FormatBool(v)
	case int:
		out[prefix] = strconv.Itoa(v)
	case int64:
		out[prefix] = strconv.FormatInt(v, 10)
	case float64:
		out[prefix] = strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		for key, nested := range v {
			switch nested.(type) {
			case map[string]any, []any:
				continue
			default:
				flatten(out, prefix+"_"+envKey(key), nested)
			}
		}
	}
}

func envKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r == '-' || r == '.' || r == ' ':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Env returns the flattened export set, file values only.
func (p *Project) Env() map[string]string {
	out := make(map[string]string, len(p.env))
	for k, v := range p.env {
		out[k] = v
	}
	return out
}

// Export sets every flattened key that the environment does not already
// define.
func (p *Project) Export() error {
	for key, value := range p.env {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fault.Wrap(fault.KindInternal, err, "export %s", key)
		}
	}
	return nil
}
