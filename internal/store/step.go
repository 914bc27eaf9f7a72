package store

// StepStatus is the lifecycle state of a single deployment step.
type StepStatus string

const (
	StatusPending   StepStatus = "PENDING"
	StatusDeploying StepStatus = "DEPLOYING"
	StatusDeployed  StepStatus = "DEPLOYED"
	StatusFailed    StepStatus = "FAILED"
)

// Valid reports whether s is one of the closed set of statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDeploying, StatusDeployed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a step in this status is never revisited.
func (s StepStatus) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// StepName identifies one stage of the deployment pipeline.
type StepName string

const (
	StepInitialization   StepName = "INITIALIZATION"
	StepTemplateSetup    StepName = "TEMPLATE_SETUP"
	StepInfraApply       StepName = "INFRA_APPLY"
	StepClusterBootstrap StepName = "CLUSTER_BOOTSTRAP"
	StepNetworkSetup     StepName = "NETWORK_SETUP"
	StepCompletion       StepName = "COMPLETION"
)

// PipelineSteps returns the step sequence in execution order. Access
// narrowing runs after the cluster is healthy so the bootstrap SSH
// sessions are never locked out by their own allow-list.
// Order values in the ledger are this slice's indices plus one.
func PipelineSteps() []StepName {
	return []StepName{
		StepInitialization,
		StepTemplateSetup,
		StepInfraApply,
		StepClusterBootstrap,
		StepNetworkSetup,
		StepCompletion,
	}
}

var stepDisplayNames = map[StepName]string{
	StepInitialization:   "Initialization",
	StepTemplateSetup:    "Template preparation",
	StepInfraApply:       "Infrastructure provisioning",
	StepClusterBootstrap: "Cluster installation",
	StepNetworkSetup:     "Network configuration",
	StepCompletion:       "Completion",
}

var stepDescriptions = map[StepName]string{
	StepInitialization:   "Preparing the isolated deployment workspace",
	StepTemplateSetup:    "Generating infrastructure-as-code documents",
	StepInfraApply:       "Applying infrastructure and recording the serving endpoint",
	StepClusterBootstrap: "Installing the container-orchestration cluster over SSH",
	StepNetworkSetup:     "Restricting network access to the registered allow-list",
	StepCompletion:       "Finalizing the deployment",
}

// DisplayName returns the human-readable name for a step.
func (n StepName) DisplayName() string {
	if d, ok := stepDisplayNames[n]; ok {
		return d
	}
	return string(n)
}

// Description returns the progress-display description for a step.
func (n StepName) Description() string {
	return stepDescriptions[n]
}

// OverallStatus derives a deployment's aggregate status from its step
// ledger. The aggregate is never stored; it is recomputed on every read.
func OverallStatus(steps []DeploymentStep) StepStatus {
	if len(steps) == 0 {
		return StatusPending
	}
	for _, s := range steps {
		if s.Status == StatusFailed {
			return StatusFailed
		}
	}
	for _, s := range steps {
		if s.Status == StatusDeploying {
			return StatusDeploying
		}
	}
	for _, s := range steps {
		if s.Status == StatusPending {
			return StatusPending
		}
	}
	return StatusDeployed
}

// CurrentStepOrder derives the step to show as "in progress": the
// DEPLOYING step if one exists, otherwise the first PENDING step after
// the highest-ordered DEPLOYED step, otherwise the last step (covers the
// all-complete and all-failed cases).
func CurrentStepOrder(steps []DeploymentStep) int {
	if len(steps) == 0 {
		return 1
	}
	for _, s := range steps {
		if s.Status == StatusDeploying {
			return s.Order
		}
	}

	lastDeployed := 0
	for _, s := range steps {
		if s.Status == StatusDeployed && s.Order > lastDeployed {
			lastDeployed = s.Order
		}
	}
	for _, s := range steps {
		if s.Status == StatusPending && s.Order > lastDeployed {
			return s.Order
		}
	}
	return len(steps)
}
