package registration

import (
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and cross references
func (c *Config) Validate() error {
	if len(c.Tools) == 0 {
		return fmt.Errorf("at least one tool must be defined")
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, tc := range c.Tools {
		if tc.ID == "" {
			return fmt.Errorf("tools[%d].id is required", i)
		}
		if tc.Topic == "" {
			return fmt.Errorf("tools[%d].topic is required for %s", i, tc.ID)
		}
		if seen[tc.ID] {
			return fmt.Errorf("tools[%d].id %q is duplicated", i, tc.ID)
		}
		seen[tc.ID] = true
	}

	switch MethodKind(c.Registration.Method) {
	case "", MethodManual, MethodToolBased:
	default:
		return fmt.Errorf("registration.method must be %q or %q, got %q", MethodManual, MethodToolBased, c.Registration.Method)
	}
	if c.Registration.Tool != "" && !seen[c.Registration.Tool] {
		return fmt.Errorf("registration.tool %q is not a configured tool", c.Registration.Tool)
	}
	if MethodKind(c.Registration.Method) == MethodToolBased && c.Registration.Tool == "" {
		return fmt.Errorf("registration.tool is required for method %q", MethodToolBased)
	}

	if c.Model.Stylus != "" && !seen[c.Model.Stylus] {
		return fmt.Errorf("model.stylus %q is not a configured tool", c.Model.Stylus)
	}
	if c.Registration.MaxAge < 0 {
		return fmt.Errorf("registration.maxAge must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MaxConditionNumber < 0 {
		return fmt.Errorf("maxConditionNumber must not be negative")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EffectiveTipOffset resolves a tool's tip offset.
// Priority: pivot-calibrated cache > config tipOffset > tool origin.
func EffectiveTipOffset(config *Config, cache *RegistrationCache, toolID string) Vec3 {
	if off, ok := cache.TipOffset(toolID); ok {
		return off
	}
	if tc := config.GetToolByID(toolID); tc != nil {
		return tc.GetTipOffset()
	}
	return Vec3{}
}
