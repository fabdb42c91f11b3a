package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config describes a network: its nodes and the connections between them.
type Config struct {
	Nodes       []NodeConfig       `yaml:"nodes"`
	Connections []ConnectionConfig `yaml:"connections"`
}

// NodeConfig describes one node. Which fields apply depends on Kind.
type NodeConfig struct {
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"`
	Disabled bool    `yaml:"disabled"`
	Value    float64 `yaml:"value"`
	Factor   float64 `yaml:"factor"`
	Message  string  `yaml:"message"`

	// slow nodes only
	Parts    int           `yaml:"parts"`
	Delay    time.Duration `yaml:"delay"`
	Debounce time.Duration `yaml:"debounce"`
}

// ConnectionConfig connects "node.outport" to "node.inport".
type ConnectionConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// loadConfig loads and parses a YAML network description.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

func (c *Config) validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("no nodes")
	}
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d: missing name", i)
		}
		if _, ok := kinds[n.Kind]; !ok {
			return fmt.Errorf("node %s: unknown kind %q", n.Name, n.Kind)
		}
		if n.Parts < 0 {
			return fmt.Errorf("node %s: negative parts", n.Name)
		}
	}
	for _, conn := range c.Connections {
		if _, _, err := splitPort(conn.From); err != nil {
			return err
		}
		if _, _, err := splitPort(conn.To); err != nil {
			return err
		}
	}
	return nil
}

// splitPort splits "node.port" at the last dot.
func splitPort(ref string) (node, port string, err error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("port reference %q: want node.port", ref)
	}
	return ref[:i], ref[i+1:], nil
}
