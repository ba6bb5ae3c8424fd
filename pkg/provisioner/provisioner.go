package provisioner

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cuemby/tailkeeper/pkg/controlplane"
	"github.com/cuemby/tailkeeper/pkg/types"
)

// ProvisionError reports a failed credential open or close
type ProvisionError struct {
	Workload types.WorkloadID
	Op       string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s for %s: %v", e.Op, e.Workload, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provisioner issues and revokes streaming credentials
type Provisioner struct {
	client controlplane.Client
}

// New creates a provisioner backed by the control plane client
func New(client controlplane.Client) *Provisioner {
	return &Provisioner{client: client}
}

// Open requests a new credential for the workload
func (p *Provisioner) Open(ctx context.Context, id types.WorkloadID) (types.Credential, error) {
	tail, err := p.client.OpenTail(ctx, id)
	if err != nil {
		return types.Credential{}, &ProvisionError{Workload: id, Op: "open", Err: err}
	}

	endpoint, err := url.Parse(tail.Endpoint)
	if err != nil || endpoint.Host == "" {
		return types.Credential{}, &ProvisionError{
			Workload: id,
			Op:       "open",
			Err:      fmt.Errorf("invalid stream endpoint %q", tail.Endpoint),
		}
	}
	if tail.ExpiresAt.IsZero() {
		return types.Credential{}, &ProvisionError{Workload: id, Op: "open", Err: fmt.Errorf("credential has no expiry")}
	}

	return types.Credential{
		SessionID: tail.ID,
		Endpoint:  endpoint.String(),
		ExpiresAt: tail.ExpiresAt,
	}, nil
}

// Close revokes a previously issued credential. Callers treat failure as
// non-fatal since the credential lapses on its own at expiry.
func (p *Provisioner) Close(ctx context.Context, id types.WorkloadID, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := p.client.CloseTail(ctx, id, sessionID); err != nil {
		return &ProvisionError{Workload: id, Op: "close", Err: err}
	}
	return nil
}
