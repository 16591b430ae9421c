package domain

// StationState is one raw state push from a speaker.
type StationState struct {
	AliceState  string       `json:"aliceState"`
	CanStop     bool         `json:"canStop"`
	PlayerState *PlayerState `json:"playerState,omitempty"`
	Playing     bool         `json:"playing"`
	Volume      float64      `json:"volume"`
}

type PlayerState struct {
	Duration       float64     `json:"duration"`
	Progress       float64     `json:"progress"`
	Title          string      `json:"title"`
	Subtitle       string      `json:"subtitle"`
	Type           string      `json:"type,omitempty"`
	HasNext        bool        `json:"hasNext"`
	HasPrev        bool        `json:"hasPrev"`
	HasProgressBar bool        `json:"hasProgressBar"`
	PlaylistID     string      `json:"playlistId,omitempty"`
	EntityInfo     *EntityInfo `json:"entityInfo,omitempty"`
	Extra          *Extra      `json:"extra,omitempty"`
}

type EntityInfo struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Shuffled *bool      `json:"shuffled,omitempty"`
	Next     *TrackStub `json:"next,omitempty"`
	Prev     *TrackStub `json:"prev,omitempty"`
}

type TrackStub struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Extra struct {
	CoverURI string `json:"coverURI"`
}

// ContentType reports the entity type of the current item, falling back to
// the player-level type for firmware that omits entityInfo.
func (p *PlayerState) ContentType() string {
	if p == nil {
		return ""
	}
	if p.EntityInfo != nil && p.EntityInfo.Type != "" {
		return p.EntityInfo.Type
	}
	return p.Type
}

// CoverTemplate returns the raw cover URI template, or "" when none is reported.
func (p *PlayerState) CoverTemplate() string {
	if p == nil || p.Extra == nil {
		return ""
	}
	return p.Extra.CoverURI
}

// Shuffled returns nil when the current source does not support shuffle.
func (p *PlayerState) Shuffled() *bool {
	if p == nil || p.EntityInfo == nil {
		return nil
	}
	return p.EntityInfo.Shuffled
}
