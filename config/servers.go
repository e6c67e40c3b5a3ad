package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FleetServer: агент, описанный в файле флота (SERVERS_FILE)
type FleetServer struct {
	Name     string `yaml:"name"`
	Pool     string `yaml:"pool"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	MaxUsers int    `yaml:"max_users"`
	Enabled  *bool  `yaml:"enabled"`
}

type fleetFile struct {
	Servers []FleetServer `yaml:"servers"`
}

// LoadFleet читает YAML со списком агентов. Порядок в файле = порядок регистрации.
func LoadFleet(path string) ([]FleetServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	var f fleetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	for i := range f.Servers {
		s := &f.Servers[i]
		s.Pool = strings.ToUpper(strings.TrimSpace(s.Pool))
		s.BaseURL = strings.TrimRight(s.BaseURL, "/")
		if s.MaxUsers <= 0 {
			s.MaxUsers = 100
		}
		if s.Enabled == nil {
			enabled := true
			s.Enabled = &enabled
		}
		if s.Name == "" || s.BaseURL == "" || s.APIKey == "" {
			return nil, fmt.Errorf("fleet server #%d: name, base_url and api_key are required", i+1)
		}
		if s.Pool != "FREE" && s.Pool != "STAR" {
			return nil, fmt.Errorf("fleet server %s: unknown pool %q", s.Name, s.Pool)
		}
	}
	return f.Servers, nil
}
