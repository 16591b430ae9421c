package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/glagol"
	"go2tv.app/station-remote/internal/playback"
)

// remote is the command surface of station.Controller used by the control loop.
type remote interface {
	Play() error
	Pause() error
	Next() error
	Prev() error
	Seek(positionSeconds float64) error
	SetVolume(step int) error
	SendText(text string) error
	PlayMusic(kind glagol.MusicType, id string, offset *float64) error
	Navigate(action glagol.NavAction) error
	Presentation() (playback.Presentation, bool)
}

var errUsage = errors.New("unknown command; see stationctl control --help")

// dispatch runs one input line. It reports quit=true for "quit"/"exit".
func dispatch(r remote, line string, out io.Writer) (quit bool, err error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "play":
		return false, r.Play()
	case "pause", "stop":
		return false, r.Pause()
	case "next":
		return false, r.Next()
	case "prev", "previous":
		return false, r.Prev()
	case "seek":
		pos, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return false, fmt.Errorf("seek needs a position in seconds: %w", err)
		}
		return false, r.Seek(pos)
	case "vol", "volume":
		step, err := strconv.Atoi(rest)
		if err != nil || step < 0 || step > 10 {
			return false, fmt.Errorf("vol needs a step between 0 and 10, got %q", rest)
		}
		return false, r.SetVolume(step)
	case "say":
		return false, r.SendText(rest)
	case "music":
		kindText, id, _ := strings.Cut(rest, " ")
		kind, err := glagol.ParseMusicType(kindText)
		if err != nil {
			return false, err
		}
		return false, r.PlayMusic(kind, strings.TrimSpace(id), nil)
	case "nav":
		action, err := glagol.ParseNavAction(rest)
		if err != nil {
			return false, err
		}
		return false, r.Navigate(action)
	case "status":
		p, ok := r.Presentation()
		if !ok {
			fmt.Fprintln(out, "no speaker selected")
			return false, nil
		}
		fmt.Fprintln(out, formatPresentation(p))
		return false, nil
	default:
		return false, errUsage
	}
}

// consolePresenter prints reconciled updates as single lines.
type consolePresenter struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consolePresenter) Present(speaker domain.Speaker, u playback.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.StateChanged || u.MetadataChanged {
		fmt.Fprintf(c.out, "[%s] %s\n", speaker.Name, formatPresentation(u.Presentation))
	} else if u.VolumeChanged {
		fmt.Fprintf(c.out, "[%s] volume %d\n", speaker.Name, u.Presentation.VolumeStep)
	}
}

func (c *consolePresenter) PresentArtwork(speaker domain.Speaker, art playback.Artwork) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] cover %s (%s, %d bytes)\n", speaker.Name, art.URL, art.ContentType, len(art.Data))
}

func (c *consolePresenter) Offline(speaker domain.Speaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] offline, waiting for it to reappear\n", speaker.Name)
}

func (c *consolePresenter) Failed(speaker domain.Speaker, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] session failed: %v\n", speaker.Name, err)
}

func formatPresentation(p playback.Presentation) string {
	if p.Idle {
		return fmt.Sprintf("idle (volume %d)", p.VolumeStep)
	}
	var b strings.Builder
	b.WriteString(p.State.String())
	b.WriteString(": ")
	b.WriteString(p.Title)
	if p.Artist != "" {
		b.WriteString(" / ")
		b.WriteString(p.Artist)
	}
	if p.DurationMS > 0 {
		fmt.Fprintf(&b, " [%s/%s]", clock(p.PositionMS), clock(p.DurationMS))
	}
	fmt.Fprintf(&b, " (volume %d", p.VolumeStep)
	if p.Shuffle != playback.ShuffleUnsupported {
		fmt.Fprintf(&b, ", shuffle %s", p.Shuffle)
	}
	b.WriteString(")")
	return b.String()
}

func clock(ms int64) string {
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
