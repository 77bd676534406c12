package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickClient
	DropFrame
)

// Policy decides what to do with a client whose outbound queue is full.
type Policy interface {
	OnBackPressure(sid string) BackpressureAction
}

// SimplePolicy disconnects slow clients; their media objects are released
// by the session cleanup.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string) BackpressureAction {
	return KickClient
}
