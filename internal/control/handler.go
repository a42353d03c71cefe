/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package control serves the HTTP endpoint that sets the pitch ratio of a
// running filter.
//
// The endpoint has a single route:
//
//	GET /?pitch=<decimal>
//
// A missing pitch parameter changes nothing. A decimal value is clamped to
// the supported range and applied. Anything that does not parse as a finite
// decimal is rejected with 400. Every response allows any origin so browser
// control panels can call it.
package control

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/intermernet/pitchfilter/internal/stretcher"
)

// PitchParam is the query parameter carrying the ratio.
const PitchParam = "pitch"

const allowedMethods = "GET, OPTIONS"

// ErrParse marks a pitch value that is not a finite decimal.
var ErrParse = errors.New("invalid pitch")

// PitchSetter applies a ratio and returns the value actually applied.
type PitchSetter interface {
	SetPitchRatio(ratio float64) (float64, error)
}

// ParsePitch parses a query value into a clamped ratio.
func ParsePitch(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrParse, raw)
	}
	return stretcher.ClampPitchRatio(v), nil
}

type handler struct {
	target PitchSetter
	log    zerolog.Logger
}

// NewHandler returns the endpoint handler, wrapped for CORS preflight.
func NewHandler(target PitchSetter, log zerolog.Logger) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{http.MethodGet, http.MethodOptions},
		OptionsPassthrough: true,
	})
	return c.Handler(&handler{target: target, log: log})
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// cors only answers requests that carry an Origin; plain clients get the
	// same open policy.
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	// cors echoes just the requested method; panels expect the full list.
	w.Header().Set("Access-Control-Allow-Methods", allowedMethods)

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		h.apply(w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (h *handler) apply(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has(PitchParam) {
		w.WriteHeader(http.StatusOK)
		return
	}

	raw := q.Get(PitchParam)
	ratio, err := ParsePitch(raw)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected pitch request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	applied, err := h.target.SetPitchRatio(ratio)
	if err != nil {
		h.log.Error().Err(err).Float64("pitch", ratio).Msg("failed to apply pitch")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.log.Info().Str("requested", raw).Float64("pitch", applied).Msg("pitch ratio updated")
	w.WriteHeader(http.StatusOK)
}
