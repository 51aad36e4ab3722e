// Package skills implements the skill pack runtime: manifest validation,
// tamper-evident signatures, per-tenant installs, guardrail enforcement,
// and deterministic-first tool execution.
package skills

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loupelabs/loupe/core/pkg/canonicalize"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

//go:embed manifest_schema.json
var manifestSchemaJSON []byte

// Tool catalog. Tools outside the catalog must carry the custom prefix.
var toolCatalog = map[string]bool{
	"compute.finance_snapshot":      true,
	"compute.data_quality_snapshot": true,
	"compute.deal_desk_snapshot":    true,
	"model.run":                     true,
	"reports.generate":              true,
}

const customToolPrefix = "custom."

const defaultContextTokenBudget = 1400

var idPattern = regexp.MustCompile(`^[a-z0-9-]{2,80}$`)

var manifestSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("manifest.json", bytes.NewReader(manifestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("skills: manifest schema resource: %v", err))
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		panic(fmt.Sprintf("skills: manifest schema compile: %v", err))
	}
	manifestSchema = schema
}

// ValidateManifest checks a manifest structurally and semantically. The
// returned checks list one entry per rule, pass or fail, so draft authors
// see everything wrong at once.
func ValidateManifest(m state.SkillManifest) []problem.Check {
	var checks []problem.Check
	add := func(name string, ok bool, detail string) {
		status := "pass"
		if !ok {
			status = "fail"
		} else {
			detail = ""
		}
		checks = append(checks, problem.Check{Name: name, Status: status, Detail: detail})
	}

	// Structural pass against the embedded JSON Schema.
	raw, err := json.Marshal(m)
	schemaOK := err == nil
	schemaDetail := ""
	if schemaOK {
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			schemaOK = false
			schemaDetail = err.Error()
		} else if err := manifestSchema.Validate(generic); err != nil {
			schemaOK = false
			schemaDetail = err.Error()
		}
	} else {
		schemaDetail = err.Error()
	}
	add("schema", schemaOK, schemaDetail)

	add("id_format", idPattern.MatchString(m.ID), fmt.Sprintf("id %q must match %s", m.ID, idPattern.String()))

	_, verErr := semver.StrictNewVersion(m.Version)
	add("version_semver", verErr == nil, fmt.Sprintf("version %q is not valid semver", m.Version))

	add("triggers_intents", len(m.Triggers.Intents) > 0, "at least one trigger intent is required")

	toolsOK := len(m.Tools) > 0
	toolDetail := "at least one tool is required"
	for _, t := range m.Tools {
		if !toolCatalog[t.ID] && !strings.HasPrefix(t.ID, customToolPrefix) {
			toolsOK = false
			toolDetail = fmt.Sprintf("tool %q is not in the catalog and is not a custom tool", t.ID)
			break
		}
	}
	add("tools_catalog", toolsOK, toolDetail)

	riskOK := m.RiskLevel == "low" || m.RiskLevel == "medium" || m.RiskLevel == "high"
	add("risk_level", riskOK, fmt.Sprintf("riskLevel %q must be low, medium or high", m.RiskLevel))

	return checks
}

// ManifestValid reports whether all validation checks passed.
func ManifestValid(checks []problem.Check) bool {
	for _, c := range checks {
		if c.Status == "fail" {
			return false
		}
	}
	return true
}

// applyManifestDefaults fills optional fields before install.
func applyManifestDefaults(m state.SkillManifest) state.SkillManifest {
	if m.Guardrails.ContextTokenBudget == 0 {
		m.Guardrails.ContextTokenBudget = defaultContextTokenBudget
	}
	return m
}

// Sign computes the manifest signature: sha256 over the RFC 8785
// canonical JSON form. Signatures detect tampering of installed skills,
// not publisher identity.
func Sign(m state.SkillManifest) (string, error) {
	sig, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return "", problem.Internal("manifest signature: %s", err)
	}
	return sig, nil
}

// VerifySignature recomputes the signature over the stored manifest.
func VerifySignature(installed *state.InstalledSkill) error {
	sig, err := Sign(installed.Manifest)
	if err != nil {
		return err
	}
	if sig != installed.Signature {
		return problem.Forbidden("signature verification failed for skill %q", installed.ID)
	}
	return nil
}
