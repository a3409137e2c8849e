package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

var _ live.Transport = (*FallbackTransport)(nil)

// FallbackTransport implements live.Transport over a primary transport and
// ordered fallbacks. Only availability errors ([live.ErrUnavailable]) and
// open breakers move on to the next transport; any other connect error is
// returned as is. When every transport was unavailable the error still
// matches [live.ErrUnavailable].
//
// Only the connect is covered. An established connection that fails later
// ends the session like any other transport error.
type FallbackTransport struct {
	group *FallbackGroup[live.Transport]
}

// NewFallbackTransport creates a [FallbackTransport] with primary as the
// preferred transport. cfg.FallThrough is ignored.
func NewFallbackTransport(primary live.Transport, primaryName string, cfg FallbackConfig) *FallbackTransport {
	cfg.FallThrough = unavailable
	return &FallbackTransport{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers t to be tried after the transports added before it.
func (f *FallbackTransport) AddFallback(name string, t live.Transport) {
	f.group.AddFallback(name, t)
}

// Connect implements live.Transport.
func (f *FallbackTransport) Connect(ctx context.Context, cfg live.Config) (live.Connection, error) {
	conn, err := ExecuteWithResult(ctx, f.group, func(t live.Transport) (live.Connection, error) {
		return t.Connect(ctx, cfg)
	})
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, ErrAllFailed) && !errors.Is(err, live.ErrUnavailable) {
		// Every entry was skipped by an open breaker.
		return nil, fmt.Errorf("%w: %w", live.ErrUnavailable, err)
	}
	return nil, err
}

// States returns each transport's breaker state, for readiness checks.
func (f *FallbackTransport) States() map[string]State {
	return f.group.States()
}

// Ready reports whether at least one transport would accept a connect.
func (f *FallbackTransport) Ready() bool {
	for _, s := range f.group.States() {
		if s != StateOpen {
			return true
		}
	}
	return false
}

func unavailable(err error) bool {
	return errors.Is(err, live.ErrUnavailable)
}
