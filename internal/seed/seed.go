// Package seed produces the SQL seed document uploaded to a freshly
// provisioned cluster. The serving stack imports it on first boot so
// the tenant's project, its serving endpoint, and the model allocations
// with their API keys exist before traffic arrives. The rendering runs
// after the endpoint is recorded, so the project row carries it.
package seed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/modelplane/modelplane/internal/store"
)

// FileName is the seed document's name inside a workspace and on the
// remote host.
const FileName = "seed.sql"

// Generator renders seed documents.
type Generator struct {
	templates *template.Template
}

// NewGenerator parses the seed template.
func NewGenerator() (*Generator, error) {
	t, err := template.New(FileName).Funcs(template.FuncMap{
		"sqlEscape": sqlEscape,
	}).Parse(seedTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse seed template: %w", err)
	}
	return &Generator{templates: t}, nil
}

// WriteSeed renders the seed for one deployment into workspace and
// returns the file path.
func (g *Generator) WriteSeed(workspace string, d *store.Deployment, allocations []store.ModelAllocation) (string, error) {
	if len(allocations) == 0 {
		return "", fmt.Errorf("deployment %s has no model allocations", d.DeploymentID)
	}

	var sb strings.Builder
	data := struct {
		Deployment  *store.Deployment
		Allocations []store.ModelAllocation
		GeneratedAt string
	}{
		Deployment:  d,
		Allocations: allocations,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := g.templates.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render seed for %s: %w", d.DeploymentID, err)
	}

	path := filepath.Join(workspace, FileName)
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return "", fmt.Errorf("write seed %s: %w", path, err)
	}
	return path, nil
}

// sqlEscape doubles single quotes so free-text fields cannot break out
// of their literals.
func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

const seedTemplate = `-- Seed for {{.Deployment.DeploymentID}}, generated {{.GeneratedAt}}.
BEGIN;

INSERT INTO projects (project_id, name, description, url)
VALUES ('{{.Deployment.DeploymentID}}', '{{sqlEscape .Deployment.Name}}', '{{sqlEscape .Deployment.Description}}', '{{sqlEscape .Deployment.Endpoint}}');

{{range .Allocations -}}
INSERT INTO serving_units (project_id, model_id, spec_id, region_id, api_key)
VALUES ('{{$.Deployment.DeploymentID}}', {{.ModelID}}, {{.SpecID}}, {{.RegionID}}, '{{sqlEscape .APIKey}}');
{{end -}}

COMMIT;
`
