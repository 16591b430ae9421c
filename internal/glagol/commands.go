package glagol

import (
	"errors"
	"fmt"
	"strings"
)

type NavAction string

const (
	NavUp    NavAction = "go_up"
	NavDown  NavAction = "go_down"
	NavLeft  NavAction = "go_left"
	NavRight NavAction = "go_right"
	NavClick NavAction = "click_action"
)

type MusicType string

const (
	MusicTrack    MusicType = "track"
	MusicPlaylist MusicType = "playlist"
	MusicRadio    MusicType = "radio"
)

const commandSoftwareVersion = "softwareVersion"

var errEmptyCommand = errors.New("command name is empty")

// Command is the payload of one outgoing message. Build it with the
// constructors below.
type Command struct {
	Command          string    `json:"command"`
	Position         *float64  `json:"position,omitempty"`
	Volume           *float64  `json:"volume,omitempty"`
	Text             string    `json:"text,omitempty"`
	Action           NavAction `json:"action,omitempty"`
	ScrollAmount     string    `json:"scrollAmount,omitempty"`
	ScrollExactValue *int      `json:"scrollExactValue,omitempty"`
	Type             MusicType `json:"type,omitempty"`
	ID               string    `json:"id,omitempty"`
	Offset           *float64  `json:"offset,omitempty"`
}

func Play() Command { return Command{Command: "play"} }
func Stop() Command { return Command{Command: "stop"} }
func Next() Command { return Command{Command: "next"} }
func Prev() Command { return Command{Command: "prev"} }

// Rewind seeks to positionSeconds from the start of the current item.
func Rewind(positionSeconds float64) Command {
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	return Command{Command: "rewind", Position: &positionSeconds}
}

// SetVolume takes a device volume in [0,1]; out of range values are clamped.
func SetVolume(volume float64) Command {
	switch {
	case volume < 0:
		volume = 0
	case volume > 1:
		volume = 1
	}
	return Command{Command: "setVolume", Volume: &volume}
}

func SendText(text string) Command {
	return Command{Command: "sendText", Text: text}
}

// Control sends a navigation action. scrollAmount and scrollExact are
// optional and only meaningful for the go_* actions.
func Control(action NavAction, scrollAmount string, scrollExact *int) Command {
	return Command{Command: "control", Action: action, ScrollAmount: scrollAmount, ScrollExactValue: scrollExact}
}

// PlayMusic starts a catalogue item. offset is in seconds; nil starts at the beginning.
func PlayMusic(kind MusicType, id string, offset *float64) Command {
	return Command{Command: "playMusic", Type: kind, ID: id, Offset: offset}
}

func SoftwareVersion() Command { return Command{Command: commandSoftwareVersion} }

func ParseNavAction(raw string) (NavAction, error) {
	action := NavAction(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case NavUp, NavDown, NavLeft, NavRight, NavClick:
		return action, nil
	}
	switch string(action) {
	case "up":
		return NavUp, nil
	case "down":
		return NavDown, nil
	case "left":
		return NavLeft, nil
	case "right":
		return NavRight, nil
	case "click", "ok":
		return NavClick, nil
	}
	return "", fmt.Errorf("unknown navigation action %q", raw)
}

func ParseMusicType(raw string) (MusicType, error) {
	kind := MusicType(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case MusicTrack, MusicPlaylist, MusicRadio:
		return kind, nil
	}
	return "", fmt.Errorf("unknown music type %q", raw)
}

func (c Command) Validate() error {
	switch c.Command {
	case "":
		return errEmptyCommand
	case "control":
		if _, err := ParseNavAction(string(c.Action)); err != nil {
			return err
		}
	case "playMusic":
		if _, err := ParseMusicType(string(c.Type)); err != nil {
			return err
		}
		if strings.TrimSpace(c.ID) == "" {
			return errors.New("playMusic requires an id")
		}
	case "rewind":
		if c.Position == nil {
			return errors.New("rewind requires a position")
		}
	case "setVolume":
		if c.Volume == nil {
			return errors.New("setVolume requires a volume")
		}
	}
	return nil
}
