// Package status builds the deployment views pushed to subscribers and
// returned from status queries. A view is always derived from the step
// ledger, never stored.
package status

import "github.com/modelplane/modelplane/internal/store"

// StepView is one ledger entry as shown to users.
type StepView struct {
	Order       int    `json:"order"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// DeploymentView is the full status of one deployment.
type DeploymentView struct {
	DeploymentID string     `json:"deploymentId"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"currentStep"`
	Endpoint     string     `json:"endpoint,omitempty"`
	Steps        []StepView `json:"steps"`
}

// StepEvent is one step transition pushed to a live status stream. It
// names the transitioned step and carries the owner's full deployment
// snapshot so consumers never need a follow-up query.
type StepEvent struct {
	DeploymentID string           `json:"deploymentId"`
	StepID       uint             `json:"stepId"`
	StepName     string           `json:"stepName"`
	StepStatus   string           `json:"stepStatus"`
	Snapshot     []DeploymentView `json:"fullProjectStatusSnapshot"`
}

// ViewOf derives a DeploymentView from a deployment and its ledger.
func ViewOf(d *store.Deployment, steps []store.DeploymentStep) DeploymentView {
	v := DeploymentView{
		DeploymentID: d.DeploymentID,
		Name:         d.Name,
		Status:       string(store.OverallStatus(steps)),
		CurrentStep:  store.CurrentStepOrder(steps),
		Endpoint:     d.Endpoint,
		Steps:        make([]StepView, 0, len(steps)),
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, StepView{
			Order:       s.Order,
			Name:        string(s.Name),
			DisplayName: s.Name.DisplayName(),
			Description: s.Name.Description(),
			Status:      string(s.Status),
		})
	}
	return v
}
