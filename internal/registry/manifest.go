package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ServiceManifest is a locally discovered service.json descriptor, one per
// tool server. Manifests are a secondary catalog source used for
// cross-source consistency checks during refresh.
type ServiceManifest struct {
	ServiceID    string               `json:"service_id"`
	Description  string               `json:"description,omitempty"`
	Capabilities []ManifestCapability `json:"capabilities"`
}

// ManifestCapability describes one capability (action) a tool server
// advertises in its manifest.
type ManifestCapability struct {
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Parameters     map[string]ManifestParam `json:"parameters,omitempty"`
	RequiredParams []string                 `json:"required_params,omitempty"`
	Examples       []map[string]any         `json:"examples,omitempty"`
}

// ManifestParam describes one parameter in a manifest capability.
type ManifestParam struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ScanManifests walks the given roots for service.json files and parses
// them. Unreadable or malformed files are skipped; discovery is best-effort.
func ScanManifests(roots []string) []*ServiceManifest {
	var manifests []*ServiceManifest
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			var path string
			if entry.IsDir() {
				path = filepath.Join(root, entry.Name(), "service.json")
			} else if entry.Name() == "service.json" {
				path = filepath.Join(root, entry.Name())
			} else {
				continue
			}
			if m, err := readManifest(path); err == nil {
				manifests = append(manifests, m)
			}
		}
	}
	return manifests
}

// FindManifest locates the manifest for a service id under the roots.
func FindManifest(roots []string, serviceID string) (*ServiceManifest, bool) {
	for _, m := range ScanManifests(roots) {
		if m.ServiceID == serviceID {
			return m, true
		}
	}
	return nil, false
}

func readManifest(path string) (*ServiceManifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- roots are operator-configured
	if err != nil {
		return nil, err
	}
	var m ServiceManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ToSchema converts a manifest into a ToolSchema usable for discovery when
// the tool host is unreachable.
func (m *ServiceManifest) ToSchema() *ToolSchema {
	actions := make(map[string]ActionSpec, len(m.Capabilities))
	for _, cap := range m.Capabilities {
		required := make(map[string]bool, len(cap.RequiredParams))
		for _, name := range cap.RequiredParams {
			required[name] = true
		}
		params := make(map[string]ParamSpec, len(cap.Parameters))
		for name, p := range cap.Parameters {
			params[name] = ParamSpec{
				Type:        ParamType(p.Type),
				Required:    required[name],
				Description: p.Description,
				Default:     p.Default,
			}
		}
		// Required params the manifest never described still need a spec.
		for _, name := range cap.RequiredParams {
			if _, ok := params[name]; !ok {
				params[name] = ParamSpec{Type: TypeString, Required: true, Description: "required parameter " + name}
			}
		}
		spec := ActionSpec{Description: cap.Description, Parameters: params}
		if len(cap.Examples) > 0 {
			spec.Example = cap.Examples[0]
		}
		actions[cap.Name] = spec
	}
	return &ToolSchema{
		ID:          m.ServiceID,
		Name:        m.ServiceID,
		Description: m.Description,
		Version:     1,
		Actions:     actions,
	}
}
