package core

import (
	"context"

	"github.com/dkeye/StageRouter/internal/domain"
)

// StageBackend is one transport kind this node can serve stages with.
// Command methods must not block on engine work.
type StageBackend interface {
	Type() domain.BackendType
	// Start is called once per process, on the first ready acknowledgment.
	Start(ctx context.Context, router domain.Router) error
	// Assign refreshes the router id after a later ready acknowledgment.
	Assign(router domain.Router)
	ServeStage(p domain.ServeStage)
	UnServeStage(p domain.UnServeStage)
	// Disconnect runs the full teardown sweep after the orchestrator
	// connection is lost.
	Disconnect()
	Close()
}
