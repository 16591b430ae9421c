package playback

import (
	"math"
	"strings"
	"sync"

	"go2tv.app/station-remote/internal/domain"
)

const (
	coverPlaceholder = "%%"
	coverSize        = "800x800"
	trackContentType = "Track"
)

type lastAction int

const (
	actionUnset lastAction = iota
	actionPlay
	actionPause
)

// Reconciler folds the raw StationState stream of one speaker into
// Presentation updates, suppressing known firmware glitches.
//
// Apply is called from the session reader; NoteSeek and NoteVolumeSet come
// from command callers, so all state is guarded by mu.
type Reconciler struct {
	mu sync.Mutex

	speakerName string
	last        Presentation

	idleEmitted        bool
	fresh              bool
	prevAction         lastAction
	pendingSeek        *float64
	durationSuppressed bool
	pendingVolume      int
	foreground         bool
}

func NewReconciler(speakerName string) *Reconciler {
	return &Reconciler{
		speakerName:   speakerName,
		last:          initialPresentation(),
		fresh:         true,
		pendingVolume: -1,
	}
}

func initialPresentation() Presentation {
	return Presentation{
		State:      StatePaused,
		DurationMS: UnknownDuration,
		Shuffle:    ShuffleUnsupported,
	}
}

// Reset forgets everything learned from the stream, as after a reconnect.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = initialPresentation()
	r.idleEmitted = false
	r.fresh = true
	r.prevAction = actionUnset
	r.pendingSeek = nil
	r.durationSuppressed = false
	r.pendingVolume = -1
	r.foreground = false
}

// NoteSeek records a locally issued rewind; the sample reporting exactly this
// progress re-synchronises the play/pause state.
func (r *Reconciler) NoteSeek(positionSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := positionSeconds
	r.pendingSeek = &pos
}

// NoteVolumeSet records a locally issued volume change. Device reports are
// ignored until one matches step.
func (r *Reconciler) NoteVolumeSet(step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingVolume = clampStep(step)
}

func (r *Reconciler) Current() Presentation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) Apply(st domain.StationState) Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.last
	var u Update
	u.VolumeChanged = r.syncVolume(&next, st.Volume)

	if isIdle(st) {
		if !r.idleEmitted {
			r.idleEmitted = true
			r.fresh = true
			r.prevAction = actionUnset
			r.pendingSeek = nil
			r.durationSuppressed = false

			idle := idlePresentation(r.speakerName, next.VolumeStep)
			u.StateChanged = true
			u.MetadataChanged = true
			u.ArtworkChanged = r.last.CoverURL != idle.CoverURL
			u.ShuffleChanged = r.last.Shuffle != idle.Shuffle
			next = idle
		}
		u.Visibility = VisibilityRefresh
		r.last = next
		u.Presentation = next
		return u
	}
	r.idleEmitted = false

	ps := st.PlayerState
	next.Idle = false
	progressMS := secondsToMS(ps.Progress)

	switch {
	case r.fresh || (r.pendingSeek != nil && ps.Progress == *r.pendingSeek):
		r.fresh = false
		r.pendingSeek = nil
		next.State = stateFor(st.Playing)
		next.PositionMS = progressMS
		r.prevAction = actionFor(st.Playing)
		u.StateChanged = true
	case r.prevAction == actionPlay && !st.Playing:
		next.State = StatePaused
		next.PositionMS = progressMS
		r.prevAction = actionPause
		u.StateChanged = true
	case r.prevAction == actionPause && st.Playing && ps.Progress > 0:
		// progress == 0 right after a pause is a bogus firmware sample.
		next.State = StatePlaying
		next.PositionMS = progressMS
		r.prevAction = actionPlay
		u.StateChanged = true
	}

	if actions := actionsFor(st); actions != next.Actions {
		next.Actions = actions
		u.StateChanged = true
	}

	titleChanged := r.last.Idle || ps.Title != r.last.Title || ps.Subtitle != r.last.Artist
	durationMS, durationOK := r.durationFor(ps)
	forceDuration := false
	if durationOK && r.durationSuppressed {
		r.durationSuppressed = false
		forceDuration = true
	}
	if !durationOK {
		r.durationSuppressed = true
	}

	if titleChanged || forceDuration {
		next.Title = ps.Title
		next.Artist = ps.Subtitle
		if durationOK {
			next.DurationMS = durationMS
		}
		u.MetadataChanged = true
		if titleChanged && next.State == StatePlaying && !u.StateChanged {
			next.PositionMS = progressMS
			u.StateChanged = true
		}
	}

	if cover := ResolveCoverURL(ps.CoverTemplate()); cover != r.last.CoverURL {
		next.CoverURL = cover
		u.ArtworkChanged = true
	}

	if shuffle := shuffleModeFor(ps.Shuffled()); shuffle != r.last.Shuffle {
		next.Shuffle = shuffle
		u.ShuffleChanged = true
	}

	u.Visibility = r.visibilityFor(next, u.StateChanged)
	r.last = next
	u.Presentation = next
	return u
}

func (r *Reconciler) syncVolume(next *Presentation, deviceVolume float64) bool {
	step := VolumeStep(deviceVolume)
	if r.pendingVolume >= 0 {
		if step != r.pendingVolume {
			return false
		}
		r.pendingVolume = -1
	}
	if step == next.VolumeStep {
		return false
	}
	next.VolumeStep = step
	return true
}

func (r *Reconciler) durationFor(ps *domain.PlayerState) (int64, bool) {
	if !ps.HasProgressBar {
		return UnknownDuration, true
	}
	if ps.Duration <= 0 && ps.ContentType() == trackContentType {
		return 0, false
	}
	return secondsToMS(ps.Duration), true
}

func (r *Reconciler) visibilityFor(next Presentation, stateChanged bool) Visibility {
	if !stateChanged {
		return VisibilityRefresh
	}
	if next.State == StatePlaying && !r.foreground {
		r.foreground = true
		return VisibilityStart
	}
	if next.State != StatePlaying && next.Actions.Has(ActionPlayPause) && r.foreground {
		r.foreground = false
		return VisibilityStop
	}
	return VisibilityRefresh
}

func isIdle(st domain.StationState) bool {
	return st.PlayerState == nil || st.PlayerState.Title == ""
}

func stateFor(playing bool) PlaybackState {
	if playing {
		return StatePlaying
	}
	return StatePaused
}

func actionFor(playing bool) lastAction {
	if playing {
		return actionPlay
	}
	return actionPause
}

func actionsFor(st domain.StationState) Action {
	ps := st.PlayerState
	actions := ActionPlay | ActionPause | ActionPlayPause
	if st.CanStop {
		actions |= ActionStop
	}
	if ps.HasNext {
		actions |= ActionSkipToNext
	}
	if ps.HasPrev {
		actions |= ActionSkipToPrevious
	}
	if ps.HasProgressBar {
		actions |= ActionSeekTo
	}
	if ps.Shuffled() != nil {
		actions |= ActionSetShuffle
	}
	return actions
}

func shuffleModeFor(shuffled *bool) ShuffleMode {
	switch {
	case shuffled == nil:
		return ShuffleUnsupported
	case *shuffled:
		return ShuffleOn
	default:
		return ShuffleOff
	}
}

// ResolveCoverURL turns the speaker's cover template into a fetchable URL.
// An empty template yields NoArtwork.
func ResolveCoverURL(template string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return NoArtwork
	}
	template = strings.TrimSuffix(template, coverPlaceholder)
	if !strings.HasPrefix(template, "https://") && !strings.HasPrefix(template, "http://") {
		template = "https://" + template
	}
	return template + coverSize
}

// VolumeStep maps a device volume in [0,1] onto the 0..10 presentation scale.
func VolumeStep(deviceVolume float64) int {
	return clampStep(int(math.Round(deviceVolume * volumeSteps)))
}

// DeviceVolume is the inverse of VolumeStep.
func DeviceVolume(step int) float64 {
	return float64(clampStep(step)) / volumeSteps
}

func clampStep(step int) int {
	if step < 0 {
		return 0
	}
	if step > volumeSteps {
		return volumeSteps
	}
	return step
}

func secondsToMS(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}
