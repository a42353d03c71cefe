/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package filter

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermernet/pitchfilter/internal/control"
	"github.com/intermernet/pitchfilter/internal/stretcher"
)

func newTestFilter(t *testing.T, opts ...Option) *Filter {
	t.Helper()
	f, err := New(Settings{Addr: "127.0.0.1", Port: 0}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// freePort reserves a port, releases it and returns its number.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not finish within %s", d)
	}
}

func stereoBlock(frames, offset int) [][]float32 {
	left := make([]float32, frames)
	right := make([]float32, frames)
	for i := range left {
		x := float64(offset + i)
		left[i] = float32(0.5 * math.Sin(2*math.Pi*440*x/DefaultSampleRate))
		right[i] = float32(0.3 * math.Sin(2*math.Pi*523.25*x/DefaultSampleRate))
	}
	return [][]float32{left, right}
}

func TestDefaults(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, "0.0.0.0", s.Addr)
	assert.Equal(t, uint16(8085), s.Port)
	assert.Equal(t, "0.0.0.0:8085", s.HostPort())
}

func TestNewRejectsBadEngineFormat(t *testing.T) {
	_, err := New(DefaultSettings(), WithFormat(0, 2))
	assert.Error(t, err)
}

func TestControlRequestScenario(t *testing.T) {
	f := newTestFilter(t)
	require.NoError(t, f.StartListener())
	require.True(t, f.Listening())

	resp, err := http.Get("http://" + f.ListenAddr() + "/?pitch=2.0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.5, f.PitchRatio())

	var sawOutput bool
	for i := 0; i < 40; i++ {
		buf := stereoBlock(480, i*480)
		if f.Process(buf, 480) == stretcher.StatusOK {
			sawOutput = true
			require.Equal(t, buf[0], buf[1], "channel 1 must equal channel 0")
		}
	}
	assert.True(t, sawOutput)
}

func TestMalformedRequestLeavesRatio(t *testing.T) {
	f := newTestFilter(t)
	_, err := f.SetPitchRatio(1.2)
	require.NoError(t, err)
	require.NoError(t, f.StartListener())

	resp, err := http.Get("http://" + f.ListenAddr() + "/?pitch=fast")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1.2, f.PitchRatio())

	resp, err = http.Get("http://" + f.ListenAddr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.2, f.PitchRatio())
}

func TestSetPitchRatioClamps(t *testing.T) {
	f := newTestFilter(t)
	for _, p := range []float64{0, 0.5, 0.75, 1, 1.33, 1.5, 3, math.NaN()} {
		got, err := f.SetPitchRatio(p)
		require.NoError(t, err)
		assert.Equal(t, stretcher.ClampPitchRatio(p), got)
		assert.Equal(t, got, f.PitchRatio())
	}
}

func TestStartListenerIsIdempotent(t *testing.T) {
	f := newTestFilter(t)
	require.NoError(t, f.StartListener())
	addr := f.ListenAddr()
	require.NoError(t, f.StartListener())
	assert.Equal(t, addr, f.ListenAddr(), "second start must keep the running listener")
}

func TestStopListenerTwice(t *testing.T) {
	f := newTestFilter(t)
	require.NoError(t, f.StartListener())

	within(t, 5*time.Second, func() {
		assert.NoError(t, f.StopListener())
		assert.NoError(t, f.StopListener())
	})
	assert.False(t, f.Listening())
	assert.Empty(t, f.ListenAddr())
}

func TestStopWhenNeverStarted(t *testing.T) {
	f := newTestFilter(t)
	within(t, time.Second, func() {
		assert.NoError(t, f.StopListener())
	})
}

func TestRestartOnSamePort(t *testing.T) {
	f := newTestFilter(t)
	f.Configure(Settings{Addr: "127.0.0.1", Port: freePort(t)})

	within(t, 10*time.Second, func() {
		if !assert.NoError(t, f.StartListener()) {
			return
		}
		assert.NoError(t, f.StopListener())

		// Either outcome is acceptable; hanging or panicking is not.
		err := f.StartListener()
		if err != nil {
			assert.ErrorIs(t, err, control.ErrBind)
			assert.False(t, f.Listening())
			return
		}
		assert.True(t, f.Listening())
	})
}

func TestBindFailureLeavesFilterUsable(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := uint16(taken.Addr().(*net.TCPAddr).Port)

	f := newTestFilter(t)
	f.Configure(Settings{Addr: "127.0.0.1", Port: port})

	err = f.StartListener()
	assert.ErrorIs(t, err, control.ErrBind)
	assert.False(t, f.Listening())

	buf := stereoBlock(480, 0)
	assert.Equal(t, stretcher.StatusNotReady, f.Process(buf, 480), "audio keeps running")
}

func TestConfigureAppliesOnNextStart(t *testing.T) {
	f := newTestFilter(t)
	require.NoError(t, f.StartListener())
	first := f.ListenAddr()

	port := freePort(t)
	f.Configure(Settings{Addr: "127.0.0.1", Port: port})
	assert.Equal(t, first, f.ListenAddr(), "running listener keeps its binding")

	require.NoError(t, f.StopListener())
	err := f.StartListener()
	if errors.Is(err, control.ErrBind) {
		t.Skipf("port %d was taken in between: %v", port, err)
	}
	require.NoError(t, err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), f.ListenAddr())
}

func TestPitchObserver(t *testing.T) {
	f := newTestFilter(t)
	var got []float64
	f.SetPitchObserver(func(r float64) { got = append(got, r) })

	_, err := f.SetPitchRatio(9)
	require.NoError(t, err)
	_, err = f.SetPitchRatio(1.1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 1.1}, got)

	f.SetPitchObserver(nil)
	_, err = f.SetPitchRatio(1.2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPitchObserverSeesChangesInOrder(t *testing.T) {
	f := newTestFilter(t)

	var (
		mu       sync.Mutex
		last     float64
		mismatch int
	)
	f.SetPitchObserver(func(r float64) {
		mu.Lock()
		defer mu.Unlock()
		last = r
		// No other change can land between applying r and observing it.
		if f.PitchRatio() != r {
			mismatch++
		}
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := f.SetPitchRatio(0.8 + float64(g)*0.05 + float64(i)*0.001)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, mismatch)
	assert.Equal(t, f.PitchRatio(), last, "the last observed ratio is the current one")
}

func TestCloseOrdering(t *testing.T) {
	f, err := New(Settings{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, f.StartListener())
	addr := f.ListenAddr()

	within(t, 5*time.Second, func() {
		assert.NoError(t, f.Close())
		assert.NoError(t, f.Close())
	})

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be gone after Close")

	buf := [][]float32{{1, 2, 3}, {4, 5, 6}}
	assert.Equal(t, stretcher.StatusNotReady, f.Process(buf, 3))
	assert.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, buf)

	_, err = f.SetPitchRatio(1.2)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.StartListener(), ErrClosed)
	assert.NoError(t, f.StopListener())
}

func TestConcurrentAudioAndControl(t *testing.T) {
	f := newTestFilter(t)
	require.NoError(t, f.StartListener())
	base := "http://" + f.ListenAddr() + "/?pitch="

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			f.Process(stereoBlock(256, i*256), 256)
		}
	}()

	for _, p := range []string{"0.8", "1.1", "1.4", "2", "0.5", "1"} {
		resp, err := http.Get(base + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 1.0, f.PitchRatio())
	within(t, 5*time.Second, func() { assert.NoError(t, f.Close()) })
}

func TestAdoptPrebuiltEngine(t *testing.T) {
	fe := &countingEngine{}
	f := newTestFilter(t, WithEngine(fe))
	_, err := f.SetPitchRatio(1.25)
	require.NoError(t, err)
	assert.Equal(t, 1.25, fe.scale)
	assert.Equal(t, 1, fe.resets)
}

type countingEngine struct {
	scale  float64
	resets int
}

func (c *countingEngine) SetPitchScale(r float64) error     { c.scale = r; return nil }
func (c *countingEngine) Process(_ [][]float32, _ int)      {}
func (c *countingEngine) Available() int                    { return 0 }
func (c *countingEngine) Retrieve(_ [][]float32, _ int) int { return 0 }
func (c *countingEngine) Reset()                            { c.resets++ }
