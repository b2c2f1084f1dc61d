// Package sim is the authoritative world simulation: fixed-dt kinematics,
// world bounds, obstacle and player collision, and proximity detection.
//
// A World is NOT safe for concurrent use. The game hub's tick loop is the
// sole owner; sessions feed it through the hub's input slots.
package sim

import (
	"math"
)

const (
	TickRate     = 20
	TickDT       = 1.0 / TickRate
	WorldBound   = 240.0
	MaxSpeed     = 9.0
	Accel        = 40.0
	Drag         = 6.0
	PlayerRadius = 0.9
	PresentY     = 0.0 // flat plane; Y is presentation-only

	inputEpsilon     = 1e-4
	yawEpsilon       = 0.01
	separationPasses = 3

	agentSpawnSlots = 8
	agentSpawnRing  = 40.0
)

// Entity is a simulated player on the ground plane.
type Entity struct {
	ID     string
	X, Z   float64
	VX, VZ float64
	Yaw    float64
}

// Speed returns the current planar speed.
func (e *Entity) Speed() float64 {
	return math.Hypot(e.VX, e.VZ)
}

type inputState struct {
	moveX, moveZ float64
}

// Obstacle is a static axis-aligned box players cannot occupy.
type Obstacle struct {
	MinX, MinZ, MaxX, MaxZ float64
}

func (o Obstacle) contains(x, z float64) bool {
	return x > o.MinX && x < o.MaxX && z > o.MinZ && z < o.MaxZ
}

// Snapshot is the per-tick output of Step. Players are in insertion order
// so serialization is stable across re-serializations of the same state.
type Snapshot struct {
	Tick    uint64
	Players []Entity
}

// World holds all simulated entities and their pending inputs.
type World struct {
	tick      uint64
	order     []string
	entities  map[string]*Entity
	inputs    map[string]*inputState
	obstacles []Obstacle
}

// NewWorld creates an empty world with the given static obstacles.
func NewWorld(obstacles []Obstacle) *World {
	return &World{
		entities: make(map[string]*Entity),
		inputs:   make(map[string]*inputState),
		obstacles: obstacles,
	}
}

// Obstacles returns the static obstacle set.
func (w *World) Obstacles() []Obstacle { return w.obstacles }

// Tick returns the current tick counter.
func (w *World) Tick() uint64 { return w.tick }

// Join adds a player at the preferred position when given and in bounds,
// else at a free spawn slot. Idempotent: joining an existing id is a no-op.
func (w *World) Join(id string, preferred *[2]float64, spawnSection int) {
	if _, ok := w.entities[id]; ok {
		return
	}
	var x, z float64
	if preferred != nil && inBounds((*preferred)[0]) && inBounds((*preferred)[1]) {
		x, z = (*preferred)[0], (*preferred)[1]
	} else if spawnSection >= 0 {
		x, z = w.agentSpawn(spawnSection)
	} else {
		x, z = w.humanSpawn(id)
	}
	// never spawn inside a static box
	x, z = w.pushOutOfObstacles(x, z)
	w.entities[id] = &Entity{ID: id, X: x, Z: z}
	w.inputs[id] = &inputState{}
	w.order = append(w.order, id)
}

// Leave removes the entity and its input slot. Unknown ids are ignored.
func (w *World) Leave(id string) {
	if _, ok := w.entities[id]; !ok {
		return
	}
	delete(w.entities, id)
	delete(w.inputs, id)
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Has reports whether the entity is simulated locally.
func (w *World) Has(id string) bool {
	_, ok := w.entities[id]
	return ok
}

// Get returns a copy of the entity.
func (w *World) Get(id string) (Entity, bool) {
	e, ok := w.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// SetInput stores the clamped movement intent for the next step.
// Returns false for unknown ids; never an error.
func (w *World) SetInput(id string, moveX, moveZ float64) bool {
	in, ok := w.inputs[id]
	if !ok {
		return false
	}
	in.moveX = clamp(moveX, -1, 1)
	in.moveZ = clamp(moveZ, -1, 1)
	return true
}

// Teleport moves an entity directly, clamped to world bounds, zeroing its
// velocity. Returns false for unknown ids.
func (w *World) Teleport(id string, x, z float64) bool {
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	e.X = clamp(x, -WorldBound, WorldBound)
	e.Z = clamp(z, -WorldBound, WorldBound)
	e.VX, e.VZ = 0, 0
	e.X, e.Z = w.pushOutOfObstacles(e.X, e.Z)
	return true
}

// Step advances the world one fixed timestep and returns the snapshot.
func (w *World) Step(dt float64) Snapshot {
	w.tick++
	for _, id := range w.order {
		e := w.entities[id]
		in := w.inputs[id]
		w.integrate(e, in, dt)
	}
	w.resolveObstacles()
	w.separatePlayers()

	snap := Snapshot{Tick: w.tick, Players: make([]Entity, 0, len(w.order))}
	for _, id := range w.order {
		snap.Players = append(snap.Players, *w.entities[id])
	}
	return snap
}

func (w *World) integrate(e *Entity, in *inputState, dt float64) {
	mag := math.Hypot(in.moveX, in.moveZ)
	if mag > inputEpsilon {
		dx, dz := in.moveX/mag, in.moveZ/mag
		e.VX += dx * Accel * dt
		e.VZ += dz * Accel * dt
	} else {
		f := math.Min(1, Drag*dt)
		e.VX -= e.VX * f
		e.VZ -= e.VZ * f
	}

	if sp := e.Speed(); sp > MaxSpeed {
		scale := MaxSpeed / sp
		e.VX *= scale
		e.VZ *= scale
	}

	e.X += e.VX * dt
	e.Z += e.VZ * dt
	if e.X > WorldBound {
		e.X, e.VX = WorldBound, 0
	} else if e.X < -WorldBound {
		e.X, e.VX = -WorldBound, 0
	}
	if e.Z > WorldBound {
		e.Z, e.VZ = WorldBound, 0
	} else if e.Z < -WorldBound {
		e.Z, e.VZ = -WorldBound, 0
	}

	if e.Speed() > yawEpsilon {
		e.Yaw = math.Atan2(e.VX, e.VZ)
	}
}

// resolveObstacles pushes every entity out of any static box it entered,
// to the nearest face.
func (w *World) resolveObstacles() {
	for _, id := range w.order {
		e := w.entities[id]
		e.X, e.Z = w.pushOutOfObstacles(e.X, e.Z)
	}
}

func (w *World) pushOutOfObstacles(x, z float64) (float64, float64) {
	for _, o := range w.obstacles {
		if !o.contains(x, z) {
			continue
		}
		// distance to each face; exit through the cheapest one
		left := x - o.MinX
		right := o.MaxX - x
		near := z - o.MinZ
		far := o.MaxZ - z
		min := left
		nx, nz := o.MinX, z
		if right < min {
			min, nx, nz = right, o.MaxX, z
		}
		if near < min {
			min, nx, nz = near, x, o.MinZ
		}
		if far < min {
			nx, nz = x, o.MaxZ
		}
		x, z = nx, nz
	}
	return clamp(x, -WorldBound, WorldBound), clamp(z, -WorldBound, WorldBound)
}

// separatePlayers runs up to separationPasses symmetric circle-separation
// passes; after convergence no pair overlaps within 2*PlayerRadius.
func (w *World) separatePlayers() {
	const minDist = 2 * PlayerRadius
	for pass := 0; pass < separationPasses; pass++ {
		moved := false
		for i := 0; i < len(w.order); i++ {
			for j := i + 1; j < len(w.order); j++ {
				a := w.entities[w.order[i]]
				b := w.entities[w.order[j]]
				dx, dz := b.X-a.X, b.Z-a.Z
				dist := math.Hypot(dx, dz)
				if dist >= minDist {
					continue
				}
				moved = true
				if dist < 1e-9 {
					// exactly coincident; separate along x
					dx, dz, dist = 1, 0, 1
				}
				push := (minDist - dist) / 2
				ux, uz := dx/dist, dz/dist
				a.X -= ux * push
				a.Z -= uz * push
				b.X += ux * push
				b.Z += uz * push
				a.X = clamp(a.X, -WorldBound, WorldBound)
				a.Z = clamp(a.Z, -WorldBound, WorldBound)
				b.X = clamp(b.X, -WorldBound, WorldBound)
				b.Z = clamp(b.Z, -WorldBound, WorldBound)
			}
		}
		if !moved {
			break
		}
	}
}

// agentSpawn places agents on a deterministic 8-slot ring section grid.
func (w *World) agentSpawn(section int) (float64, float64) {
	return SectionSpawn(section)
}

// SectionSpawn returns the ring position for a section index. Admin
// teleports by section land on the same slots agents spawn on.
func SectionSpawn(section int) (float64, float64) {
	slot := section % agentSpawnSlots
	if slot < 0 {
		slot += agentSpawnSlots
	}
	angle := (2 * math.Pi / agentSpawnSlots) * float64(slot)
	return agentSpawnRing * math.Sin(angle), agentSpawnRing * math.Cos(angle)
}

// humanSpawn derives a stable slot from the id so rejoins without presence
// land in the same general area, then nudges out of obstacles.
func (w *World) humanSpawn(id string) (float64, float64) {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	angle := float64(h%360) * math.Pi / 180
	r := 20 + float64(h%5)*6
	return r * math.Sin(angle), r * math.Cos(angle)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func inBounds(v float64) bool {
	return v >= -WorldBound && v <= WorldBound
}
