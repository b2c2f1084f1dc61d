package sim

import (
	"math"
	"sort"
)

// ProximityEvent is an enter or exit transition for one participant of a
// pair. Two events are emitted per transition, one addressed to each side.
type ProximityEvent struct {
	Event     string // "enter" | "exit"
	PlayerID  string // recipient
	OtherID   string
	OtherName string
	Distance  float64
}

// Point is a positioned participant fed to the detector: local sim entities
// merged with remote presence entries.
type Point struct {
	ID   string
	Name string
	X, Z float64
}

// ProximityDetector diffs the active pair set between snapshots.
type ProximityDetector struct {
	threshold float64
	active    map[string][2]string // canonical key -> {a, b}
}

func NewProximityDetector(threshold float64) *ProximityDetector {
	return &ProximityDetector{
		threshold: threshold,
		active:    make(map[string][2]string),
	}
}

// PairKey is the canonical unordered key: min|max.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Update replaces the active set from the merged participant list and
// returns enter/exit events for every transition. Distance exactly equal to
// the threshold counts as inside.
func (d *ProximityDetector) Update(points []Point) []ProximityEvent {
	byID := make(map[string]Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}

	next := make(map[string][2]string)
	var events []ProximityEvent

	ids := make([]string, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := byID[ids[i]], byID[ids[j]]
			dist := math.Hypot(a.X-b.X, a.Z-b.Z)
			if dist > d.threshold {
				continue
			}
			key := PairKey(a.ID, b.ID)
			next[key] = [2]string{a.ID, b.ID}
			if _, was := d.active[key]; !was {
				events = append(events,
					ProximityEvent{Event: "enter", PlayerID: a.ID, OtherID: b.ID, OtherName: b.Name, Distance: dist},
					ProximityEvent{Event: "enter", PlayerID: b.ID, OtherID: a.ID, OtherName: a.Name, Distance: dist},
				)
			}
		}
	}

	for key, pair := range d.active {
		if _, still := next[key]; still {
			continue
		}
		a, b := pair[0], pair[1]
		// exit only toward participants still present in the merged view;
		// a disconnected side has no session to address
		if pa, ok := byID[a]; ok {
			name := ""
			if pb, ok2 := byID[b]; ok2 {
				name = pb.Name
			}
			events = append(events, ProximityEvent{Event: "exit", PlayerID: pa.ID, OtherID: b, OtherName: name})
		}
		if pb, ok := byID[b]; ok {
			name := ""
			if pa, ok2 := byID[a]; ok2 {
				name = pa.Name
			}
			events = append(events, ProximityEvent{Event: "exit", PlayerID: pb.ID, OtherID: a, OtherName: name})
		}
	}

	d.active = next
	return events
}

// Near reports whether two tracked participants are currently paired.
func (d *ProximityDetector) Near(a, b string) bool {
	_, ok := d.active[PairKey(a, b)]
	return ok
}
