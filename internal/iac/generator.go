// Package iac generates and applies the per-deployment
// infrastructure-as-code workspace. Template rendering is pure text
// production; the executor wraps the external IaC binary and parses its
// machine-readable output.
package iac

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/modelplane/modelplane/internal/util/keygen"
)

// Credentials are short-lived cloud credentials from the role broker.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Params feed one workspace's template set.
type Params struct {
	DeploymentID string
	TenantID     string
	Region       string
	ImageID      string
	Credentials  Credentials

	// InstanceCount is the number of compute nodes to declare. The
	// first one is treated as the primary by downstream stages.
	InstanceCount int
	InstanceType  string
}

// Generator renders the named IaC document set into a workspace
// directory and mints the deployment's SSH key pair.
type Generator struct {
	templates *template.Template
}

// NewGenerator parses the embedded document templates.
func NewGenerator() (*Generator, error) {
	t, err := template.New("iac").Parse(documentSet)
	if err != nil {
		return nil, fmt.Errorf("parse IaC templates: %w", err)
	}
	return &Generator{templates: t}, nil
}

// KeyFileName returns the private-key filename for a deployment. The
// deployment id is the isolation key for all workspace artifacts.
func KeyFileName(deploymentID string) string {
	return "client-key-" + deploymentID + ".pem"
}

// Write renders every document into workspace and writes the generated
// private key alongside them. It returns the private-key path.
func (g *Generator) Write(workspace string, p Params) (string, error) {
	if p.DeploymentID == "" {
		return "", fmt.Errorf("deployment id is required")
	}
	if p.InstanceCount < 2 {
		p.InstanceCount = 2
	}
	if p.InstanceType == "" {
		p.InstanceType = "g4dn.xlarge"
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	keyPair, err := keygen.GenerateRSAKeyPair(2048)
	if err != nil {
		return "", fmt.Errorf("generate deployment key: %w", err)
	}
	keyPath := filepath.Join(workspace, KeyFileName(p.DeploymentID))
	if err := keyPair.WritePrivateKey(keyPath); err != nil {
		return "", err
	}

	data := struct {
		Params
		PublicKey   string
		KeyFilePath string
	}{
		Params:      p,
		PublicKey:   strings.TrimSpace(string(keyPair.PublicKey)),
		KeyFilePath: keyPath,
	}

	for _, doc := range documentNames {
		var sb strings.Builder
		if err := g.templates.ExecuteTemplate(&sb, doc, data); err != nil {
			return "", fmt.Errorf("render %s: %w", doc, err)
		}
		path := filepath.Join(workspace, doc)
		if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
	}
	return keyPath, nil
}

// documentNames lists the rendered files in a workspace.
var documentNames = []string{"main.tf", "variables.tf", "outputs.tf"}

// documentSet holds the cloud resource grammar. The declarations are
// deliberately minimal: one key pair, one wide-open security group that
// the reconciler narrows after bootstrap, and N compute nodes whose
// declared order fixes the primary.
const documentSet = `
{{define "main.tf" -}}
provider "aws" {
  region     = "{{.Region}}"
  access_key = "{{.Credentials.AccessKeyID}}"
  secret_key = "{{.Credentials.SecretAccessKey}}"
{{- if .Credentials.SessionToken}}
  token      = "{{.Credentials.SessionToken}}"
{{- end}}
}

resource "aws_key_pair" "deployer" {
  key_name   = "{{.DeploymentID}}-key"
  public_key = "{{.PublicKey}}"
}

resource "aws_security_group" "serving" {
  name        = "{{.DeploymentID}}-sg"
  description = "Serving cluster access for {{.DeploymentID}}"

  ingress {
    from_port   = 22
    to_port     = 22
    protocol    = "tcp"
    cidr_blocks = ["0.0.0.0/0"]
  }

  ingress {
    from_port   = 80
    to_port     = 80
    protocol    = "tcp"
    cidr_blocks = ["0.0.0.0/0"]
  }

  ingress {
    from_port   = 6443
    to_port     = 6443
    protocol    = "tcp"
    cidr_blocks = ["0.0.0.0/0"]
  }

  egress {
    from_port   = 0
    to_port     = 0
    protocol    = "-1"
    cidr_blocks = ["0.0.0.0/0"]
  }

  tags = {
    Deployment = "{{.DeploymentID}}"
    Tenant     = "{{.TenantID}}"
  }
}

resource "aws_instance" "node" {
  count                  = {{.InstanceCount}}
  ami                    = "{{.ImageID}}"
  instance_type          = "{{.InstanceType}}"
  key_name               = aws_key_pair.deployer.key_name
  vpc_security_group_ids = [aws_security_group.serving.id]

  tags = {
    Name       = "{{.DeploymentID}}-node-${count.index}"
    Deployment = "{{.DeploymentID}}"
    Tenant     = "{{.TenantID}}"
  }
}
{{end}}

{{define "variables.tf" -}}
variable "deployment_id" {
  type    = string
  default = "{{.DeploymentID}}"
}

variable "tenant_id" {
  type    = string
  default = "{{.TenantID}}"
}
{{end}}

{{define "outputs.tf" -}}
output "host_addresses" {
  value = aws_instance.node[*].public_ip
}

output "key_file_path" {
  value = "{{.KeyFilePath}}"
}

output "security_group_id" {
  value = aws_security_group.serving.id
}
{{end}}
`
