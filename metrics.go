package threadpool

type (
	// Stats is a point-in-time snapshot of a ThreadPool's counters.
	Stats struct {
		Wait KindStats
		IO   KindStats
	}

	// KindStats are the counters for a single Kind. All counts other than
	// Live are cumulative.
	KindStats struct {
		// Submitted counts successful submits, including replacements.
		Submitted uint64
		// Replaced counts registrations superseded by a replacement.
		Replaced uint64
		// Fired counts callback invocations.
		Fired uint64
		// Cancelled counts registrations cancelled before they fired.
		Cancelled uint64
		// Aborted counts I/O registrations withdrawn via AbortIO.
		Aborted uint64
		// Stale counts completions that arrived for a registration that had
		// already been detached, and were ignored.
		Stale uint64
		// Panics counts recovered callback panics.
		Panics uint64
		// Faults counts submits that failed with a ResourceError.
		Faults uint64
		// Live is the number of registrations currently outstanding.
		Live int
	}
)
