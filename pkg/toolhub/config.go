// Package toolhub owns the lifecycle of externally-configured tool servers:
// it loads and validates the configuration document, watches it for changes,
// connects and disconnects servers, and tracks per-server status and
// discovered capabilities.
package toolhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DefaultConnectTimeout bounds a single server's connect handshake.
const DefaultConnectTimeout = 30 * time.Second

// ServerConfig is one server's connection descriptor in the document.
type ServerConfig struct {
	Command        string            `yaml:"command" json:"command"`
	Args           []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Disabled       bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-server call timeout.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Equal reports whether two descriptors are equivalent for reconcile
// purposes. Equal descriptors must not trigger a reconnect.
func (c ServerConfig) Equal(other ServerConfig) bool {
	if c.Command != other.Command ||
		c.Disabled != other.Disabled ||
		c.TimeoutSeconds != other.TimeoutSeconds {
		return false
	}
	if len(c.Args) != len(other.Args) {
		return false
	}
	for i, a := range c.Args {
		if other.Args[i] != a {
			return false
		}
	}
	if len(c.Env) != len(other.Env) {
		return false
	}
	for k, v := range c.Env {
		if other.Env[k] != v {
			return false
		}
	}
	return true
}

// Document is the parsed configuration document: a map from server name to
// descriptor. Names are unique; Order preserves the document's written order
// for display.
type Document struct {
	Servers map[string]ServerConfig
	Order   []string
}

// Get returns the descriptor for a name.
func (d *Document) Get(name string) (ServerConfig, bool) {
	cfg, ok := d.Servers[name]
	return cfg, ok
}

// Set inserts or replaces a descriptor, appending new names to the order.
func (d *Document) Set(name string, cfg ServerConfig) {
	if d.Servers == nil {
		d.Servers = make(map[string]ServerConfig)
	}
	if _, exists := d.Servers[name]; !exists {
		d.Order = append(d.Order, name)
	}
	d.Servers[name] = cfg
}

// Delete removes a descriptor. Unknown names are a no-op.
func (d *Document) Delete(name string) {
	if _, exists := d.Servers[name]; !exists {
		return
	}
	delete(d.Servers, name)
	for i, n := range d.Order {
		if n == name {
			d.Order = append(d.Order[:i], d.Order[i+1:]...)
			break
		}
	}
}

// ConfigErrorKind distinguishes parse failures from schema failures.
type ConfigErrorKind string

const (
	ConfigErrorParse  ConfigErrorKind = "parse"
	ConfigErrorSchema ConfigErrorKind = "schema"
)

// ConfigError is a user-facing, non-fatal configuration failure. The hub
// keeps running with whatever servers were already connected.
type ConfigError struct {
	Kind ConfigErrorKind
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tool server config %s (%s): %v", e.Kind, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// documentSchema validates the configuration document. Unknown server fields
// are rejected at this boundary rather than surfacing downstream.
const documentSchema = `{
  "type": "object",
  "properties": {
    "servers": {
      "type": "object",
      "propertyNames": {"pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
      "additionalProperties": {
        "type": "object",
        "properties": {
          "command": {"type": "string", "minLength": 1},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "disabled": {"type": "boolean"},
          "timeout_seconds": {"type": "integer", "minimum": 1}
        },
        "required": ["command"],
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("document.json", strings.NewReader(documentSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("document.json")
}

// rawDocument mirrors the document's wire shape.
type rawDocument struct {
	Servers map[string]ServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// LoadDocument reads and validates the configuration document. A missing or
// empty file is valid and means "no servers". Parse and schema failures come
// back as *ConfigError; the function never panics on malformed input.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Servers: map[string]ServerConfig{}}, nil
		}
		return nil, &ConfigError{Kind: ConfigErrorParse, Path: path, Err: err}
	}

	return ParseDocument(path, data)
}

// ParseDocument parses and validates raw document bytes.
func ParseDocument(path string, data []byte) (*Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return &Document{Servers: map[string]ServerConfig{}}, nil
	}

	// Schema validation runs against the generic parse so unknown fields
	// are caught before the typed decode silently drops them.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &ConfigError{Kind: ConfigErrorParse, Path: path, Err: err}
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, &ConfigError{Kind: ConfigErrorSchema, Path: path, Err: err}
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Kind: ConfigErrorParse, Path: path, Err: err}
	}

	doc := &Document{Servers: raw.Servers}
	if doc.Servers == nil {
		doc.Servers = map[string]ServerConfig{}
	}
	doc.Order = serverOrder(data, doc.Servers)
	return doc, nil
}

// validateAgainstSchema round-trips the value through JSON so the validator
// sees exactly the types it expects.
func validateAgainstSchema(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var jsonValue any
	if err := json.Unmarshal(buf, &jsonValue); err != nil {
		return err
	}
	return compiledSchema.Validate(jsonValue)
}

// serverOrder extracts the written order of server names from the YAML node
// tree. Falls back to sorted map iteration order when the tree is unusable.
func serverOrder(data []byte, servers map[string]ServerConfig) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err == nil && len(root.Content) > 0 {
		mapping := root.Content[0]
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value != "servers" {
				continue
			}
			serversNode := mapping.Content[i+1]
			order := make([]string, 0, len(serversNode.Content)/2)
			for j := 0; j+1 < len(serversNode.Content); j += 2 {
				order = append(order, serversNode.Content[j].Value)
			}
			return order
		}
	}

	order := make([]string, 0, len(servers))
	for name := range servers {
		order = append(order, name)
	}
	return order
}

// ValidateDocument re-validates a typed document against the schema. Every
// persist runs through this: a partial write that leaves the document
// unparsable is a defect.
func ValidateDocument(doc *Document) error {
	raw := rawDocument{Servers: doc.Servers}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var jsonValue any
	if err := json.Unmarshal(buf, &jsonValue); err != nil {
		return err
	}
	if err := compiledSchema.Validate(jsonValue); err != nil {
		return &ConfigError{Kind: ConfigErrorSchema, Err: err}
	}
	return nil
}

// SaveDocument validates and atomically persists the document, preserving
// the recorded name order.
func SaveDocument(path string, doc *Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}

	data, err := marshalDocument(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".toolservers-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// marshalDocument builds the YAML by hand-assembled nodes so the server
// order survives the map round-trip.
func marshalDocument(doc *Document) ([]byte, error) {
	order := make([]string, 0, len(doc.Servers))
	seen := make(map[string]bool, len(doc.Servers))
	for _, name := range doc.Order {
		if _, ok := doc.Servers[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	for name := range doc.Servers {
		if !seen[name] {
			order = append(order, name)
		}
	}

	serversNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range order {
		cfg, ok := doc.Servers[name]
		if !ok {
			continue
		}
		var valueNode yaml.Node
		if err := valueNode.Encode(cfg); err != nil {
			return nil, err
		}
		serversNode.Content = append(serversNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			&valueNode,
		)
	}

	root := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "servers"},
			serversNode,
		},
	}
	return yaml.Marshal(root)
}

// IsConfigError reports whether err is a user-facing configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
