// Package station routes in-world station interactions: dealer games with
// a provably-fair commit/reveal round, the cashier bank view, and plain
// world interactables. Dealer picks are minted as house-vs-player
// challenges through the normal challenge state machine.
package station

import (
	"math"

	"github.com/wagerarena/gameserver/internal/config"
)

// Station kinds.
const (
	KindDealerCoinflip = "dealer_coinflip"
	KindDealerRPS      = "dealer_rps"
	KindDealerDice     = "dealer_dice_duel"
	KindCashierBank    = "cashier_bank"
	KindInteractable   = "world_interactable"
)

// Station is one static interactable placement.
type Station struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	X       float64  `json:"x"`
	Z       float64  `json:"z"`
	Radius  float64  `json:"radius"`
	Actions []string `json:"actions"`
}

// Registry holds the immutable station set for this world. Built once at
// startup; safe for concurrent reads.
type Registry struct {
	stations map[string]*Station
	order    []string
}

// NewRegistry builds the registry from a YAML layout, falling back to the
// built-in arena placements when the layout defines no stations.
// defaultRadius applies to stations the layout leaves at zero, and
// diceEnabled gates the dice dealer out of the default set.
func NewRegistry(layout *config.WorldLayout, defaultRadius float64, diceEnabled bool) *Registry {
	r := &Registry{stations: make(map[string]*Station)}

	defs := layout.Stations
	if len(defs) == 0 {
		defs = defaultStations(diceEnabled)
	}
	for _, def := range defs {
		s := &Station{
			ID:      def.ID,
			Kind:    def.Kind,
			X:       def.X,
			Z:       def.Z,
			Radius:  def.Radius,
			Actions: def.Actions,
		}
		if s.Radius <= 0 {
			s.Radius = defaultRadius
		}
		if len(s.Actions) == 0 {
			s.Actions = defaultActions(s.Kind)
		}
		if _, dup := r.stations[s.ID]; dup {
			continue
		}
		r.stations[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r
}

func defaultStations(diceEnabled bool) []config.StationDef {
	defs := []config.StationDef{
		{ID: "dealer_coin_1", Kind: KindDealerCoinflip, X: 24, Z: 24},
		{ID: "dealer_rps_1", Kind: KindDealerRPS, X: -24, Z: 24},
		{ID: "cashier_1", Kind: KindCashierBank, X: 0, Z: 32},
		{ID: "fountain", Kind: KindInteractable, X: 0, Z: 0, Radius: 4},
	}
	if diceEnabled {
		defs = append(defs, config.StationDef{ID: "dealer_dice_1", Kind: KindDealerDice, X: 24, Z: -24})
	}
	return defs
}

func defaultActions(kind string) []string {
	switch kind {
	case KindDealerCoinflip, KindDealerRPS, KindDealerDice:
		return []string{"start", "pick"}
	case KindCashierBank:
		return []string{"balance"}
	default:
		return []string{"inspect"}
	}
}

// Get returns the station by id.
func (r *Registry) Get(id string) (*Station, bool) {
	s, ok := r.stations[id]
	return s, ok
}

// All returns the stations in placement order, for snapshot serialization.
func (r *Registry) All() []*Station {
	out := make([]*Station, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.stations[id])
	}
	return out
}

// Near reports whether (x, z) is within the station's interaction radius.
func (s *Station) Near(x, z float64) bool {
	dx, dz := x-s.X, z-s.Z
	return math.Sqrt(dx*dx+dz*dz) <= s.Radius
}
