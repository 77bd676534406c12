package domain

// Events exchanged with the orchestration server.
const (
	EventRegister      = "router"
	EventReady         = "router:ready"
	EventServeStage    = "router:serve-stage"
	EventUnServeStage  = "router:unserve-stage"
	EventStageServed   = "router:stage-served"
	EventStageUnServed = "router:stage-unserved"
	EventStageChanged  = "router:stage-changed"
)

// Register is sent right after the transport connects.
type Register struct {
	APIKey string           `json:"apiKey"`
	Router RouterDescriptor `json:"router"`
}

// Ready is the orchestrator's acknowledgment of Register.
type Ready struct {
	Router Router `json:"router"`
}

type ServeStage struct {
	Stage Stage       `json:"stage"`
	Type  BackendType `json:"type"`
	Kind  MediaKind   `json:"kind"`
}

type UnServeStage struct {
	StageID StageID     `json:"stageId"`
	Type    BackendType `json:"type"`
	Kind    MediaKind   `json:"kind"`
}

// StageServed, StageUnServed and StageChanged share one shape.
type StageServed struct {
	Type   BackendType `json:"type"`
	Kind   MediaKind   `json:"kind"`
	Update StageUpdate `json:"update"`
}

type StageUnServed = StageServed

type StageChanged = StageServed
