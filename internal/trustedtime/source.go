// Package trustedtime obtains current time from a network time authority so
// that license expiry cannot be defeated by rolling back the local clock.
package trustedtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNetworkTimeUnavailable is returned when trusted time is required but
// the time authority cannot be reached
var ErrNetworkTimeUnavailable = errors.New("network time unavailable")

// Querier obtains time from a network authority. *Client implements it.
type Querier interface {
	Query(ctx context.Context) (time.Time, error)
}

// Clock supplies the local time used as fallback
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the local system clock in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Origin records where a reading came from
type Origin string

const (
	OriginNetwork Origin = "ntp"
	OriginLocal   Origin = "local"
)

// Reading is a timestamp together with its origin
type Reading struct {
	Time   time.Time `json:"time"`
	Origin Origin    `json:"origin"`
}

// Source returns tamper-resistant current time. When network time is
// required, any failure to obtain it is reported as ErrNetworkTimeUnavailable;
// otherwise the local clock is used instead. It makes one attempt per call.
type Source struct {
	querier        Querier
	network        NetworkDetector
	clock          Clock
	requireNetwork bool
	logger         *slog.Logger
}

// Option configures a Source
type Option func(*Source)

// WithNetworkDetector sets the network availability check
func WithNetworkDetector(p NetworkDetector) Option {
	return func(s *Source) { s.network = p }
}

// WithClock sets the fallback clock
func WithClock(c Clock) Option {
	return func(s *Source) { s.clock = c }
}

// WithRequireNetwork sets whether network time is mandatory
func WithRequireNetwork(require bool) Option {
	return func(s *Source) { s.requireNetwork = require }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// NewSource creates a Source. Network time is required unless
// WithRequireNetwork(false) is given.
func NewSource(querier Querier, opts ...Option) *Source {
	s := &Source{
		querier:        querier,
		network:        InterfaceDetector{},
		clock:          SystemClock,
		requireNetwork: true,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "trusted_time"))
	return s
}

// RequiresNetwork reports the configured policy
func (s *Source) RequiresNetwork() bool {
	return s.requireNetwork
}

// Now returns the current trusted time in UTC
func (s *Source) Now(ctx context.Context) (time.Time, error) {
	r, err := s.Read(ctx)
	return r.Time, err
}

// Read returns the current time and whether it came from the network
func (s *Source) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrNetworkTimeUnavailable, err)
	}

	if s.network != nil && !s.network.Available() {
		return s.fallback(ctx, errors.New("no network interface available"))
	}

	start := time.Now()
	t, err := s.querier.Query(ctx)
	if err != nil {
		// a cancelled caller never gets the local clock
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reading{}, fmt.Errorf("%w: %w", ErrNetworkTimeUnavailable, ctxErr)
		}
		return s.fallback(ctx, err)
	}

	s.logger.DebugContext(ctx, "network time obtained",
		slog.Time("time", t),
		slog.Duration("query_duration", time.Since(start)))
	return Reading{Time: t.UTC(), Origin: OriginNetwork}, nil
}

func (s *Source) fallback(ctx context.Context, cause error) (Reading, error) {
	if s.requireNetwork {
		s.logger.WarnContext(ctx, "network time required but unavailable",
			slog.String("error", cause.Error()))
		return Reading{}, fmt.Errorf("%w: %w", ErrNetworkTimeUnavailable, cause)
	}
	s.logger.WarnContext(ctx, "network time unavailable, using local clock",
		slog.String("error", cause.Error()))
	return Reading{Time: s.clock.Now().UTC(), Origin: OriginLocal}, nil
}
