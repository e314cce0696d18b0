package threadpool

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// panicCategory is the rate limiting category for recovered panics.
type panicCategory struct {
	key  any
	kind Kind
}

func newPanicLimiter(rates map[time.Duration]int) *catrate.Limiter {
	if len(rates) == 0 {
		return nil
	}
	return catrate.NewLimiter(rates)
}

// logPanic logs a recovered callback panic, subject to the limiter (nil
// means unlimited).
func logPanic(logger *logiface.Logger[logiface.Event], limiter *catrate.Limiter, kind Kind, key any, id uint64, value any) {
	b := logger.Err()
	if !b.Enabled() {
		return
	}
	if next, ok := limiter.Allow(panicCategory{kind: kind, key: key}); !ok {
		b.Release()
		return
	} else if !next.IsZero() {
		b = b.Time(`suppressed_until`, next)
	}
	if err, ok := value.(error); ok {
		b = b.Err(err)
	} else {
		b = b.Str(`panic`, fmt.Sprint(value))
	}
	b.Str(`kind`, kind.String()).
		Str(`key`, fmt.Sprintf(`%#x`, key)).
		Uint64(`id`, id).
		Str(`stack`, string(debug.Stack())).
		Log(`recovered panic in callback`)
}
