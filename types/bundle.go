package types

import "fmt"

// BundleScheduleRequest asks the agent to deploy a bundle to a resource.
type BundleScheduleRequest struct {
	ResourceID   string            `json:"resource_id"`
	DeploymentID string            `json:"deployment_id"`
	BundleName   string            `json:"bundle_name"`
	Version      string            `json:"version"`
	Destination  string            `json:"destination"`
	Config       map[string]string `json:"config,omitempty"`
	Clean        bool              `json:"clean,omitempty"`
}

// Validate ensures the request names a target and a deployment.
func (r *BundleScheduleRequest) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("bundle request resource ID cannot be empty")
	}
	if r.DeploymentID == "" {
		return fmt.Errorf("bundle request deployment ID cannot be empty")
	}
	if r.Destination == "" {
		return fmt.Errorf("bundle request destination cannot be empty")
	}
	return nil
}

// BundlePurgeRequest asks the agent to remove a previously deployed bundle.
type BundlePurgeRequest struct {
	ResourceID   string `json:"resource_id"`
	DeploymentID string `json:"deployment_id"`
	Destination  string `json:"destination"`
}

// Validate ensures the request names a target and a deployment.
func (r *BundlePurgeRequest) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("purge request resource ID cannot be empty")
	}
	if r.DeploymentID == "" {
		return fmt.Errorf("purge request deployment ID cannot be empty")
	}
	return nil
}

// BundleResponse reports the outcome of a bundle request.
type BundleResponse struct {
	ResourceID   string `json:"resource_id"`
	DeploymentID string `json:"deployment_id"`
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
}
