package controlplane

import (
	"context"
	"time"

	"github.com/cuemby/tailkeeper/pkg/types"
)

// Tail is a streaming grant returned by the control plane
type Tail struct {
	ID        string
	Endpoint  string
	ExpiresAt time.Time
}

// Client is the subset of the control plane the manager depends on
type Client interface {
	ListWorkloads(ctx context.Context) ([]types.WorkloadID, error)
	OpenTail(ctx context.Context, id types.WorkloadID) (*Tail, error)
	CloseTail(ctx context.Context, id types.WorkloadID, tailID string) error
}
