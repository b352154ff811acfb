package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// CapabilityManifestEntry declares a capability's identity, provider, and
// dependencies as they appear in a manifest document.
type CapabilityManifestEntry struct {
	ID         string                 `yaml:"id"`
	Provider   string                 `yaml:"provider,omitempty"`
	Version    string                 `yaml:"version,omitempty"`
	DependsOn  []string               `yaml:"depends_on,omitempty"`
	Autostart  bool                   `yaml:"autostart"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty"`
}

// RuntimeManifestEntry declares a runtime plugin definition.
type RuntimeManifestEntry struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Version    string   `yaml:"version"`
	Entrypoint string   `yaml:"entrypoint"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	Assets     []string `yaml:"assets,omitempty"`
}

// TokenPolicyManifestEntry declares scope configuration for capability
// tokens.
type TokenPolicyManifestEntry struct {
	Scope        string   `yaml:"scope"`
	Description  string   `yaml:"description,omitempty"`
	TTLSeconds   int64    `yaml:"ttl_seconds"`
	Capabilities []string `yaml:"capabilities"`
}

// Manifest is the root document describing capabilities, runtimes, and
// token policies.
type Manifest struct {
	Version       string                      `yaml:"version"`
	Capabilities  []CapabilityManifestEntry   `yaml:"capabilities"`
	Runtimes      []RuntimeManifestEntry      `yaml:"runtimes"`
	Metadata      map[string]interface{}      `yaml:"metadata,omitempty"`
	TokenPolicies []TokenPolicyManifestEntry  `yaml:"token_policies"`
}

// LoadManifestFromYAML reads and validates a manifest document.
func LoadManifestFromYAML(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeManifestError, "read manifest", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeManifestError, "parse manifest", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks the manifest's structural invariants: no duplicate
// capability ids or runtime names, every depends_on resolves, every token
// policy capability exists, and every token policy TTL is non-zero.
func (m *Manifest) Validate() error {
	capabilityIDs := make(map[string]struct{}, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if _, dup := capabilityIDs[c.ID]; dup {
			return crcerrors.New(crcerrors.CodeManifestError,
				fmt.Sprintf("duplicate capability id %s", c.ID))
		}
		capabilityIDs[c.ID] = struct{}{}
	}

	runtimeNames := make(map[string]struct{}, len(m.Runtimes))
	for _, r := range m.Runtimes {
		if _, dup := runtimeNames[r.Name]; dup {
			return crcerrors.New(crcerrors.CodeManifestError,
				fmt.Sprintf("duplicate runtime %s", r.Name))
		}
		runtimeNames[r.Name] = struct{}{}
	}

	for _, c := range m.Capabilities {
		for _, dep := range c.DependsOn {
			if _, ok := capabilityIDs[dep]; !ok {
				return crcerrors.New(crcerrors.CodeManifestError,
					fmt.Sprintf("capability %s depends on unknown capability %s", c.ID, dep))
			}
		}
	}

	for _, r := range m.Runtimes {
		for _, dep := range r.DependsOn {
			if _, ok := runtimeNames[dep]; !ok {
				return crcerrors.New(crcerrors.CodeManifestError,
					fmt.Sprintf("runtime %s depends on unknown runtime %s", r.Name, dep))
			}
		}
	}

	scopes := make(map[string]struct{}, len(m.TokenPolicies))
	for _, p := range m.TokenPolicies {
		if _, dup := scopes[p.Scope]; dup {
			return crcerrors.New(crcerrors.CodeManifestError,
				fmt.Sprintf("duplicate token scope %s", p.Scope))
		}
		scopes[p.Scope] = struct{}{}
		if p.TTLSeconds == 0 {
			return crcerrors.New(crcerrors.CodeManifestError,
				fmt.Sprintf("token scope %s must specify a non-zero ttl", p.Scope))
		}
		for _, cap := range p.Capabilities {
			if _, ok := capabilityIDs[cap]; !ok {
				return crcerrors.New(crcerrors.CodeManifestError,
					fmt.Sprintf("token scope %s references unknown capability %s", p.Scope, cap))
			}
		}
	}

	return nil
}

// tokenPolicy finds a token policy by scope.
func (m *Manifest) tokenPolicy(scope string) (TokenPolicyManifestEntry, bool) {
	for _, p := range m.TokenPolicies {
		if p.Scope == scope {
			return p, true
		}
	}
	return TokenPolicyManifestEntry{}, false
}
