package skills

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loupelabs/loupe/core/pkg/state"
)

//go:embed bundled.yaml
var bundledYAML []byte

type bundledCatalog struct {
	Skills []state.SkillManifest `json:"skills"`
}

var bundledSkills []state.SkillManifest

func init() {
	// The manifest types carry json tags with camelCase keys, so the YAML
	// is decoded generically and re-marshalled through JSON.
	var generic any
	if err := yaml.Unmarshal(bundledYAML, &generic); err != nil {
		panic(fmt.Sprintf("skills: bundled catalog: %v", err))
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		panic(fmt.Sprintf("skills: bundled catalog: %v", err))
	}
	var catalog bundledCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		panic(fmt.Sprintf("skills: bundled catalog: %v", err))
	}
	for i, m := range catalog.Skills {
		catalog.Skills[i] = applyManifestDefaults(m)
	}
	bundledSkills = catalog.Skills
}

// BundledManifests returns the shipped skill catalog. Callers get copies.
func BundledManifests() []state.SkillManifest {
	out := make([]state.SkillManifest, len(bundledSkills))
	copy(out, bundledSkills)
	return out
}

// BundledManifest looks up one shipped manifest by base id.
func BundledManifest(baseID string) (state.SkillManifest, bool) {
	for _, m := range bundledSkills {
		if m.ID == baseID {
			return m, true
		}
	}
	return state.SkillManifest{}, false
}
