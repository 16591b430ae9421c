package playback

const (
	IdleTitle = "Idle"

	// NoArtwork is the CoverURL used when the speaker reports no cover.
	NoArtwork = "artwork:none"

	// UnknownDuration is reported when the source has no progress bar.
	UnknownDuration int64 = -1

	volumeSteps = 10
)

type PlaybackState int

const (
	StatePaused PlaybackState = iota
	StatePlaying
)

func (s PlaybackState) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "paused"
}

type ShuffleMode int

const (
	ShuffleUnsupported ShuffleMode = iota
	ShuffleOn
	ShuffleOff
)

func (m ShuffleMode) String() string {
	switch m {
	case ShuffleOn:
		return "on"
	case ShuffleOff:
		return "off"
	default:
		return "unsupported"
	}
}

// Action is a bitset of transport controls the media session should expose.
type Action uint32

const (
	ActionPlay Action = 1 << iota
	ActionPause
	ActionPlayPause
	ActionStop
	ActionSkipToNext
	ActionSkipToPrevious
	ActionSeekTo
	ActionSetShuffle
)

func (a Action) Has(flag Action) bool {
	return a&flag == flag
}

// Presentation is an immutable snapshot of what the media session shows.
type Presentation struct {
	Idle       bool          `json:"idle"`
	State      PlaybackState `json:"state"`
	PositionMS int64         `json:"position_ms"`
	Title      string        `json:"title"`
	Artist     string        `json:"artist"`
	DurationMS int64         `json:"duration_ms"`
	CoverURL   string        `json:"cover_url"`
	Actions    Action        `json:"actions"`
	Shuffle    ShuffleMode   `json:"shuffle"`
	VolumeStep int           `json:"volume_step"`
}

// Visibility tells the owner what to do with the foreground notification.
type Visibility int

const (
	VisibilityRefresh Visibility = iota
	VisibilityStart
	VisibilityStop
)

func (v Visibility) String() string {
	switch v {
	case VisibilityStart:
		return "start"
	case VisibilityStop:
		return "stop"
	default:
		return "refresh"
	}
}

// Update is the result of folding one StationState into the reconciler.
type Update struct {
	Presentation    Presentation
	StateChanged    bool
	MetadataChanged bool
	ArtworkChanged  bool
	VolumeChanged   bool
	ShuffleChanged  bool
	Visibility      Visibility
}

// Empty reports whether nothing visible changed.
func (u Update) Empty() bool {
	return !u.StateChanged && !u.MetadataChanged && !u.ArtworkChanged && !u.VolumeChanged && !u.ShuffleChanged
}

// Artwork is a fetched cover image.
type Artwork struct {
	URL         string
	ContentType string
	Data        []byte
}

func idlePresentation(speakerName string, volumeStep int) Presentation {
	return Presentation{
		Idle:       true,
		State:      StatePaused,
		Title:      IdleTitle,
		Artist:     speakerName,
		DurationMS: UnknownDuration,
		CoverURL:   NoArtwork,
		Shuffle:    ShuffleUnsupported,
		VolumeStep: volumeStep,
	}
}
