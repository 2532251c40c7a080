package access

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BreakerOverrides lets a descriptor tighten or loosen the registry-wide
// breaker defaults for one server. Zero values mean "use the default".
type BreakerOverrides struct {
	TimeoutMs                int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ResetTimeoutMs           int `yaml:"reset_timeout_ms,omitempty" json:"reset_timeout_ms,omitempty"`
	ErrorThresholdPercentage int `yaml:"error_threshold_percentage,omitempty" json:"error_threshold_percentage,omitempty"`
	VolumeThreshold          int `yaml:"volume_threshold,omitempty" json:"volume_threshold,omitempty"`
}

// ServerDescriptor is one routable downstream. A caller reaches it when the
// caller holds at least one of RequiredRoles.
type ServerDescriptor struct {
	Name          string            `yaml:"name" json:"name"`
	Endpoint      string            `yaml:"endpoint" json:"endpoint"`
	RequiredRoles []string          `yaml:"required_roles" json:"required_roles"`
	Breaker       *BreakerOverrides `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

type serversFile struct {
	Servers []ServerDescriptor `yaml:"servers"`
}

// LoadServers reads the registry file. Descriptors are validated here once;
// everything downstream may assume names are unique and endpoints present.
func LoadServers(path string) ([]ServerDescriptor, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse servers file: %w", err)
	}
	if len(f.Servers) == 0 {
		return nil, fmt.Errorf("servers file %s declares no servers", path)
	}
	seen := make(map[string]struct{}, len(f.Servers))
	for i := range f.Servers {
		s := &f.Servers[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Endpoint = strings.TrimSpace(s.Endpoint)
		if s.Name == "" {
			return nil, fmt.Errorf("server %d: name is required", i)
		}
		if s.Endpoint == "" {
			return nil, fmt.Errorf("server %q: endpoint is required", s.Name)
		}
		key := strings.ToLower(s.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[key] = struct{}{}
	}
	return f.Servers, nil
}

// HasAccess reports whether callerRoles intersects the server's required
// roles. Any single shared role grants reachability; comparison is trimmed
// and case-insensitive.
func HasAccess(callerRoles []string, server ServerDescriptor) bool {
	if len(callerRoles) == 0 || len(server.RequiredRoles) == 0 {
		return false
	}
	held := make(map[string]struct{}, len(callerRoles))
	for _, r := range callerRoles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			held[r] = struct{}{}
		}
	}
	for _, required := range server.RequiredRoles {
		required = strings.ToLower(strings.TrimSpace(required))
		if required == "" {
			continue
		}
		if _, ok := held[required]; ok {
			return true
		}
	}
	return false
}

// Accessible returns the servers callerRoles can reach, in input order.
func Accessible(callerRoles []string, servers []ServerDescriptor) []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(servers))
	for _, s := range servers {
		if HasAccess(callerRoles, s) {
			out = append(out, s)
		}
	}
	return out
}

// Denied returns the exact complement of Accessible for the same inputs.
func Denied(callerRoles []string, servers []ServerDescriptor) []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(servers))
	for _, s := range servers {
		if !HasAccess(callerRoles, s) {
			out = append(out, s)
		}
	}
	return out
}

// Find locates a descriptor by name, case-insensitively.
func Find(name string, servers []ServerDescriptor) (ServerDescriptor, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range servers {
		if strings.ToLower(s.Name) == name {
			return s, true
		}
	}
	return ServerDescriptor{}, false
}

// Names returns the descriptor names in input order.
func Names(servers []ServerDescriptor) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Name)
	}
	return out
}
