package glagol

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, cmd Command) string {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return string(data)
}

func TestCommandPayloads(t *testing.T) {
	offset := 12.5
	exact := 3
	cases := []struct {
		name string
		cmd  Command
		want string
	}{
		{"play", Play(), `{"command":"play"}`},
		{"rewind to start keeps position", Rewind(0), `{"command":"rewind","position":0}`},
		{"negative rewind clamps", Rewind(-4), `{"command":"rewind","position":0}`},
		{"volume clamps high", SetVolume(1.7), `{"command":"setVolume","volume":1}`},
		{"text", SendText("turn it up"), `{"command":"sendText","text":"turn it up"}`},
		{"control", Control(NavRight, "", &exact), `{"command":"control","action":"go_right","scrollExactValue":3}`},
		{"music", PlayMusic(MusicPlaylist, "42", &offset), `{"command":"playMusic","type":"playlist","id":"42","offset":12.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.JSONEq(t, tc.want, encode(t, tc.cmd))
			assert.NoError(t, tc.cmd.Validate())
		})
	}
}

func TestCommandValidation(t *testing.T) {
	assert.Error(t, Command{}.Validate())
	assert.Error(t, PlayMusic("album", "1", nil).Validate())
	assert.Error(t, PlayMusic(MusicTrack, " ", nil).Validate())
	assert.Error(t, Control("jump", "", nil).Validate())
	assert.Error(t, Command{Command: "setVolume"}.Validate())
}

func TestParseNavAction(t *testing.T) {
	for raw, want := range map[string]NavAction{
		"up":           NavUp,
		"GO_DOWN":      NavDown,
		" left ":       NavLeft,
		"right":        NavRight,
		"ok":           NavClick,
		"click_action": NavClick,
	} {
		got, err := ParseNavAction(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseNavAction("sideways")
	assert.Error(t, err)
}
