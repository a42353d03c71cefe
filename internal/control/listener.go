/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// ErrBind marks a listener that could not bind its address.
var ErrBind = errors.New("bind failed")

const readHeaderTimeout = 5 * time.Second

// Listener serves a handler on its own goroutine.
type Listener struct {
	srv *http.Server
	ln  net.Listener
	wg  conc.WaitGroup
	log zerolog.Logger
}

// Listen binds addr and starts serving h. The bind happens before Listen
// returns, so a port already in use is reported here as an error wrapping
// ErrBind and no goroutine is left behind.
func Listen(addr string, h http.Handler, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}

	l := &Listener{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		ln:  ln,
		log: log.With().Str("addr", ln.Addr().String()).Logger(),
	}
	l.wg.Go(l.serve)
	l.log.Info().Msg("listener started")
	return l, nil
}

func (l *Listener) serve() {
	err := l.srv.Serve(l.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error().Err(err).Msg("listener stopped unexpectedly")
	}
}

// Addr returns the bound address. It differs from the requested address
// when port 0 was asked for.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Stop stops accepting connections and waits for in-flight requests until
// ctx is done, then closes whatever is left and joins the serve goroutine.
// Calling Stop more than once is harmless.
func (l *Listener) Stop(ctx context.Context) error {
	err := l.srv.Shutdown(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("graceful shutdown timed out, closing connections")
		err = l.srv.Close()
	}
	if r := l.wg.WaitAndRecover(); r != nil {
		l.log.Error().Str("panic", r.String()).Msg("listener goroutine panicked")
		return r.AsError()
	}
	l.log.Info().Msg("listener stopped")
	return err
}
