package domain

// StageUpdate is a partial stage document sent upstream. A nil value clears
// the field on the orchestrator side.
type StageUpdate map[string]any

func NewStageUpdate(id StageID) StageUpdate {
	return StageUpdate{"_id": id}
}

// SetRouter marks routerID as the audio and/or video router for kind.
// An empty routerID clears the field(s).
func (u StageUpdate) SetRouter(kind MediaKind, routerID string) StageUpdate {
	var v any
	if routerID != "" {
		v = routerID
	}
	if kind.HasAudio() {
		u["audioRouter"] = v
	}
	if kind.HasVideo() {
		u["videoRouter"] = v
	}
	return u
}

func (u StageUpdate) ID() StageID {
	id, _ := u["_id"].(StageID)
	return id
}
