package threadpool

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// Infinite may be passed as a timeout, to wait without one.
const Infinite time.Duration = 1<<63 - 1

// poolOptions holds configuration shared by ThreadPool, WaitManager, and
// IOManager.
type poolOptions struct {
	logger        *logiface.Logger[logiface.Event]
	panicLogRates map[time.Duration]int
}

// --- Options ---

// Option configures a ThreadPool, WaitManager, or IOManager.
type Option interface {
	applyPool(*poolOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (x *optionImpl) applyPool(opts *poolOptions) error {
	return x.applyPoolFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicLogRates configures the per-source rate limits (see
// github.com/joeycumines/go-catrate) applied to logging recovered callback
// panics. A nil or empty map disables rate limiting.
func WithPanicLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *poolOptions) error {
		if len(rates) == 0 {
			opts.panicLogRates = nil
			return nil
		}
		if err := validateRates(rates); err != nil {
			return err
		}
		opts.panicLogRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to poolOptions.
func resolveOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{
		panicLogRates: defaultPanicLogRates(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func defaultPanicLogRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 1,
		time.Minute: 10,
	}
}

// validateRates mirrors the catrate constructor's requirements, so that
// invalid input is an error rather than a panic.
func validateRates(rates map[time.Duration]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("threadpool: invalid panic log rates: %v", r)
		}
	}()
	newPanicLimiter(rates)
	return nil
}
