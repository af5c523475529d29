package bus

import "atlas/internal/types"

type fanoutApplier []Applier

func (f fanoutApplier) Apply(event types.Event) {
	for _, a := range f {
		a.Apply(event)
	}
}

// Fanout delivers each session-scoped event to every applier in order. The
// gate bridge rides the same delivery path as the registry this way, so its
// release ordering matches event order.
func Fanout(appliers ...Applier) Applier {
	return fanoutApplier(appliers)
}
