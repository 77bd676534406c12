package domain

// StageID is the orchestrator-assigned stage identifier.
type StageID string

// BackendType selects which transport serves a stage's audio or video.
type BackendType string

const (
	BackendMediasoup BackendType = "mediasoup"
	BackendOV        BackendType = "ov"
	BackendJammer    BackendType = "jammer"
)

// MediaKind is the part of a stage a backend is asked to serve.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
	KindBoth  MediaKind = "both"
)

func (k MediaKind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindBoth:
		return true
	}
	return false
}

// HasAudio reports whether k covers the audio slot.
func (k MediaKind) HasAudio() bool { return k == KindAudio || k == KindBoth }

// HasVideo reports whether k covers the video slot.
func (k MediaKind) HasVideo() bool { return k == KindVideo || k == KindBoth }

// Stage is the subset of the orchestrator's stage this node needs to
// provision a session. The authoritative copy lives upstream.
type Stage struct {
	ID       StageID  `json:"_id"`
	Name     string   `json:"name"`
	Admins   []string `json:"admins,omitempty"`
	Password *string  `json:"password"`

	Width           float64 `json:"width"`
	Length          float64 `json:"length"`
	Height          float64 `json:"height"`
	Absorption      float64 `json:"absorption"`
	Damping         float64 `json:"damping"`
	AmbientSoundURL string  `json:"ambientSoundUrl,omitempty"`
	AmbientLevel    float64 `json:"ambientLevel"`

	AudioType BackendType `json:"audioType"`
	VideoType BackendType `json:"videoType"`
}
