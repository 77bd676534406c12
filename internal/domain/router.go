package domain

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RouterDescriptor is this node's advertised identity and capacity.
// It is built once at startup and never mutated afterwards.
type RouterDescriptor struct {
	WSPrefix   string `json:"wsPrefix"`
	RestPrefix string `json:"restPrefix"`
	URL        string `json:"url"`
	Path       string `json:"path"`
	IPv4       string `json:"ipv4"`
	IPv6       string `json:"ipv6,omitempty"`
	Port       int    `json:"port"`

	AvailableRTCSlots    int `json:"availableRTCSlots"`
	AvailableOVSlots     int `json:"availableOVSlots"`
	AvailableJammerSlots int `json:"availableJammerSlots"`

	CountryCode string   `json:"countryCode"`
	City        string   `json:"city"`
	Position    Position `json:"position"`

	Types map[BackendType]int `json:"types"`
}

// Router is the descriptor as acknowledged by the orchestrator, carrying the
// id every stage update is tagged with.
type Router struct {
	ID string `json:"_id"`
	RouterDescriptor
}
