package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/station-remote/internal/adapters"
	"go2tv.app/station-remote/internal/discovery"
	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/glagol"
	"go2tv.app/station-remote/internal/playback"
)

const defaultStopTimeout = 5 * time.Second

var ErrClosed = errors.New("station controller is closed")

// Devices is the subset of the discovery registry the controller needs.
type Devices interface {
	GetDevice(id string) (domain.LocalDevice, bool)
	AddListener(id string, l discovery.Listener) (cancel func())
	RemoveDevice(id string)
}

// ControlSession is one local control channel. *glagol.Session implements it.
type ControlSession interface {
	Start(ctx context.Context, handlers glagol.Handlers) error
	Send(cmd glagol.Command) error
	Stop(ctx context.Context) error
}

type SessionFactory func(speaker domain.Speaker) ControlSession

// GlagolSessions builds real sessions against the given registry, token source
// and dialer.
func GlagolSessions(devices glagol.DeviceLookup, tokens glagol.TokenSource, dialer glagol.Dialer, cfg glagol.Config) SessionFactory {
	return func(speaker domain.Speaker) ControlSession {
		return glagol.NewSession(speaker, devices, tokens, dialer, cfg)
	}
}

type ArtworkSource interface {
	LoadAsync(ctx context.Context, url string, deliver func(playback.Artwork, error))
}

type Config struct {
	Presenter   adapters.Presenter
	Artwork     ArtworkSource
	StopTimeout time.Duration
	Logger      zerolog.Logger
}

// Controller owns the active speaker session. At most one session is live at
// a time; switching speakers stops the previous session before starting the
// next one.
type Controller struct {
	devices     Devices
	newSession  SessionFactory
	presenter   adapters.Presenter
	artwork     ArtworkSource
	stopTimeout time.Duration
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// switchMu serialises Connect and Disconnect so a switch completes its
	// stop before the next start.
	switchMu  sync.Mutex
	closeOnce sync.Once
	closeErr  error

	mu         sync.Mutex
	target     *domain.Speaker
	current    ControlSession
	reconciler *playback.Reconciler
	stopWait   func()
	closed     bool
}

func NewController(devices Devices, newSession SessionFactory, cfg Config) *Controller {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Presenter == nil {
		cfg.Presenter = nopPresenter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		devices:     devices,
		newSession:  newSession,
		presenter:   cfg.Presenter,
		artwork:     cfg.Artwork,
		stopTimeout: cfg.StopTimeout,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect makes speaker the active target. Any previous session is fully
// stopped first. When the speaker is not on the LAN yet, the controller
// connects as soon as discovery resolves it.
func (c *Controller) Connect(ctx context.Context, speaker domain.Speaker) error {
	if speaker.ID == "" {
		return errors.New("speaker id is required")
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old, stopWait := c.detachLocked()
	target := speaker
	c.target = &target
	c.reconciler = playback.NewReconciler(speaker.Name)
	c.mu.Unlock()

	if stopWait != nil {
		stopWait()
	}
	if err := c.stopSession(ctx, old); err != nil {
		c.logger.Warn().Err(err).Msg("station_previous_session_stop_failed")
	}

	c.logger.Info().Str("device_id", speaker.ID).Str("name", speaker.Name).Msg("station_connect")
	c.startOrWait(speaker)
	return nil
}

// Disconnect stops the active session and forgets the target speaker.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	old, stopWait := c.detachLocked()
	c.target = nil
	c.reconciler = nil
	c.mu.Unlock()

	if stopWait != nil {
		stopWait()
	}
	return c.stopSession(ctx, old)
}

func (c *Controller) detachLocked() (ControlSession, func()) {
	old := c.current
	stopWait := c.stopWait
	c.current = nil
	c.stopWait = nil
	return old, stopWait
}

func (c *Controller) stopSession(ctx context.Context, sess ControlSession) error {
	if sess == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	stopCtx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	return sess.Stop(stopCtx)
}

func (c *Controller) startOrWait(speaker domain.Speaker) {
	if _, ok := c.devices.GetDevice(speaker.ID); !ok {
		c.awaitDiscovery(speaker)
		return
	}

	c.mu.Lock()
	if !c.isTargetLocked(speaker.ID) || c.current != nil {
		c.mu.Unlock()
		return
	}
	sess := c.newSession(speaker)
	c.current = sess
	c.mu.Unlock()

	err := sess.Start(c.ctx, glagol.Handlers{
		OnState:  func(st domain.StationState) { c.onState(sess, speaker, st) },
		OnStatus: func(st glagol.State) { c.onStatus(speaker, st) },
		OnClosed: func(sp domain.Speaker, err error) { c.onClosed(sess, sp, err) },
	})
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
	if errors.Is(err, domain.ErrDeviceNotDiscovered) {
		c.awaitDiscovery(speaker)
		return
	}
	c.logger.Warn().Err(err).Str("device_id", speaker.ID).Msg("station_start_failed")
}

func (c *Controller) awaitDiscovery(speaker domain.Speaker) {
	c.mu.Lock()
	if !c.isTargetLocked(speaker.ID) {
		c.mu.Unlock()
		return
	}
	if c.stopWait != nil {
		c.stopWait()
	}
	c.stopWait = nil
	c.mu.Unlock()

	c.logger.Info().Str("device_id", speaker.ID).Msg("station_waiting_for_discovery")
	cancel := c.devices.AddListener(speaker.ID, discovery.Listener{
		Once: true,
		OnReachable: func(domain.LocalDevice) {
			c.mu.Lock()
			c.stopWait = nil
			c.mu.Unlock()
			c.startOrWait(speaker)
		},
	})

	c.mu.Lock()
	if c.isTargetLocked(speaker.ID) && c.current == nil {
		c.stopWait = cancel
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cancel()
}

func (c *Controller) isTargetLocked(id string) bool {
	return !c.closed && c.target != nil && c.target.ID == id
}

func (c *Controller) onStatus(speaker domain.Speaker, st glagol.State) {
	c.logger.Debug().Str("device_id", speaker.ID).Str("state", st.String()).Msg("station_session_state")
}

func (c *Controller) onState(sess ControlSession, speaker domain.Speaker, st domain.StationState) {
	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		return
	}
	rec := c.reconciler
	c.mu.Unlock()
	if rec == nil {
		return
	}

	u := rec.Apply(st)
	if u.Empty() && u.Visibility == playback.VisibilityRefresh {
		return
	}
	c.presenter.Present(speaker, u)
	if u.ArtworkChanged {
		c.loadArtwork(sess, speaker, rec, u.Presentation.CoverURL)
	}
}

func (c *Controller) loadArtwork(sess ControlSession, speaker domain.Speaker, rec *playback.Reconciler, url string) {
	if c.artwork == nil || url == playback.NoArtwork {
		return
	}
	c.artwork.LoadAsync(c.ctx, url, func(art playback.Artwork, err error) {
		if err != nil {
			c.logger.Debug().Err(err).Str("device_id", speaker.ID).Msg("station_artwork_failed")
			return
		}
		c.mu.Lock()
		stale := c.current != sess
		c.mu.Unlock()
		if stale || rec.Current().CoverURL != url {
			return
		}
		c.presenter.PresentArtwork(speaker, art)
	})
}

// onClosed drops echoes from sessions that are no longer current. A current
// session lost on the wire evicts the device and reconnects once it is
// rediscovered. A token failure leaves the device in place and is reported,
// since reconnecting would fetch the same rejected token again.
func (c *Controller) onClosed(sess ControlSession, speaker domain.Speaker, err error) {
	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		c.logger.Debug().Str("device_id", speaker.ID).Msg("station_stale_close_ignored")
		return
	}
	c.current = nil
	rec := c.reconciler
	c.mu.Unlock()

	if err == nil {
		return
	}
	if rec != nil {
		rec.Reset()
	}
	if errors.Is(err, glagol.ErrTokenFetch) {
		c.logger.Error().Err(err).Str("device_id", speaker.ID).Msg("station_token_rejected")
		c.presenter.Failed(speaker, err)
		return
	}
	c.logger.Warn().Err(err).Str("device_id", speaker.ID).Msg("station_session_lost")
	c.devices.RemoveDevice(speaker.ID)
	c.presenter.Offline(speaker)
	c.awaitDiscovery(speaker)
}

// Connected reports whether a session is currently attached.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Presentation returns the latest reconciled view of the target speaker.
func (c *Controller) Presentation() (playback.Presentation, bool) {
	c.mu.Lock()
	rec := c.reconciler
	c.mu.Unlock()
	if rec == nil {
		return playback.Presentation{}, false
	}
	return rec.Current(), true
}

func (c *Controller) Play() error  { return c.send(glagol.Play()) }
func (c *Controller) Pause() error { return c.send(glagol.Stop()) }
func (c *Controller) Next() error  { return c.send(glagol.Next()) }
func (c *Controller) Prev() error  { return c.send(glagol.Prev()) }

// Seek rewinds to positionSeconds and lets the reconciler resynchronise on
// the matching echo.
func (c *Controller) Seek(positionSeconds float64) error {
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	if rec := c.currentReconciler(); rec != nil {
		rec.NoteSeek(positionSeconds)
	}
	return c.send(glagol.Rewind(positionSeconds))
}

// SetVolume takes a presentation step in 0..10.
func (c *Controller) SetVolume(step int) error {
	if rec := c.currentReconciler(); rec != nil {
		rec.NoteVolumeSet(step)
	}
	return c.send(glagol.SetVolume(playback.DeviceVolume(step)))
}

func (c *Controller) SendText(text string) error {
	if text == "" {
		return errors.New("text is required")
	}
	return c.send(glagol.SendText(text))
}

func (c *Controller) PlayMusic(kind glagol.MusicType, id string, offset *float64) error {
	return c.send(glagol.PlayMusic(kind, id, offset))
}

func (c *Controller) Navigate(action glagol.NavAction) error {
	return c.send(glagol.Control(action, "", nil))
}

func (c *Controller) currentReconciler() *playback.Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler
}

func (c *Controller) send(cmd glagol.Command) error {
	c.mu.Lock()
	sess := c.current
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sess == nil {
		return glagol.ErrNotConnected
	}
	if err := sess.Send(cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Command, err)
	}
	return nil
}

// Close disconnects and rejects further use. Pending artwork loads are cancelled.
func (c *Controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.Disconnect(ctx)
		c.cancel()
	})
	return c.closeErr
}

type nopPresenter struct{}

func (nopPresenter) Present(domain.Speaker, playback.Update)          {}
func (nopPresenter) PresentArtwork(domain.Speaker, playback.Artwork) {}
func (nopPresenter) Offline(domain.Speaker)                           {}
func (nopPresenter) Failed(domain.Speaker, error)                     {}
