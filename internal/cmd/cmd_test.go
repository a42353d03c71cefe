/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package cmd

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermernet/pitchfilter/internal/filter"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	bindFlags()
	t.Cleanup(viper.Reset)

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	// A config path that does not exist keeps the user's config out of tests.
	root.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "error", "--log-format", "json"))
	err := root.Execute()
	return buf.String(), err
}

func writeWav(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tone := beep.Take(frames, beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := 0.4 * math.Sin(float64(i)*2*math.Pi/100)
			samples[i] = [2]float64{v, -v}
		}
		return len(samples), true
	}))
	require.NoError(t, wav.Encode(f, tone, beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 2}))
	return path
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "pitchfilter" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "pitchfilter")
	}

	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range []string{"run", "render"} {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestRenderCommand(t *testing.T) {
	in := writeWav(t, 9600)
	out := filepath.Join(t.TempDir(), "out.wav")

	output, err := executeCommand(t, rootCmd, "render", in, out, "--pitch", "9")
	require.NoError(t, err, output)
	assert.Contains(t, output, "at pitch 1.50")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	s, format, err := wav.Decode(f)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, beep.SampleRate(48000), format.SampleRate)
	assert.Equal(t, 9600+2048, s.Len(), "default tail is the engine frame size")
}

func TestRenderCommandMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := executeCommand(t, rootCmd, "render", filepath.Join(dir, "missing.wav"), filepath.Join(dir, "out.wav"))
	assert.ErrorContains(t, err, "failed to open input")
}

func TestRenderCommandArgs(t *testing.T) {
	_, err := executeCommand(t, rootCmd, "render", "only-one.wav")
	assert.Error(t, err)
}

func TestApplySettings(t *testing.T) {
	f, err := filter.New(filter.Settings{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer f.Close()

	// Stopped: only the settings change.
	require.NoError(t, applySettings(f, filter.Settings{Addr: "127.0.0.1", Port: 0}))
	assert.False(t, f.Listening())

	require.NoError(t, f.StartListener())
	before := f.ListenAddr()

	require.NoError(t, applySettings(f, filter.Settings{Addr: "localhost", Port: 0}))
	assert.True(t, f.Listening())
	assert.Equal(t, filter.Settings{Addr: "localhost", Port: 0}, f.Settings())
	assert.NotEqual(t, before, f.ListenAddr(), "listener was rebound")

	// Unchanged settings leave the running listener alone.
	addr := f.ListenAddr()
	require.NoError(t, applySettings(f, f.Settings()))
	assert.Equal(t, addr, f.ListenAddr())
}
