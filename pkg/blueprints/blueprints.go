// Package blueprints ships the static catalog of metric blueprints. A
// blueprint bundles domains and metric definitions; a tenant's metric set
// equals its blueprint's metrics, fixed at tenant creation.
package blueprints

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loupelabs/loupe/core/pkg/state"
)

//go:embed blueprints.yaml
var catalogYAML []byte

// DefaultID is the blueprint applied when tenant creation names none.
const DefaultID = "growth_default"

// Blueprint is a named bundle of domains and metric definitions.
type Blueprint struct {
	ID      string            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Domains []string          `json:"domains" yaml:"domains"`
	Metrics []state.MetricDef `json:"metrics" yaml:"metrics"`
}

type catalogFile struct {
	Blueprints []Blueprint `yaml:"blueprints"`
}

var catalog []Blueprint

func init() {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYAML, &file); err != nil {
		panic(fmt.Sprintf("blueprints: embedded catalog is invalid: %v", err))
	}
	catalog = file.Blueprints
}

// List returns all blueprints.
func List() []Blueprint {
	out := make([]Blueprint, len(catalog))
	copy(out, catalog)
	return out
}

// ByID returns the blueprint with the given id, or false.
func ByID(id string) (Blueprint, bool) {
	for _, b := range catalog {
		if b.ID == id {
			return b, true
		}
	}
	return Blueprint{}, false
}
