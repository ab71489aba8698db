// Package world holds the voxel state shared by every session: a single
// static spawn chunk of 8x8x8 blocks and the table of known block ids.
//
// A World is not safe for concurrent use. The reactor goroutine is its only
// writer; other goroutines reach it through the reactor.
package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// Edge is the number of blocks along each axis of the chunk.
const Edge = protocol.ChunkEdge

var (
	// ErrOutOfBounds is returned for coordinates outside the chunk.
	ErrOutOfBounds = errors.New("coordinate out of bounds")
	// ErrUnknownBlock is returned for block ids missing from the registry.
	ErrUnknownBlock = errors.New("unknown block id")
)

// Block ids known to the server.
const (
	Air uint16 = iota
	Stone
	Dirt
	Grass
	Sand
	Water
	Wood
	Leaves
	Glass
	Brick
)

var blockNames = map[uint16]string{
	Air:    "air",
	Stone:  "stone",
	Dirt:   "dirt",
	Grass:  "grass",
	Sand:   "sand",
	Water:  "water",
	Wood:   "wood",
	Leaves: "leaves",
	Glass:  "glass",
	Brick:  "brick",
}

// Registered reports whether id names a known block.
func Registered(id uint16) bool {
	_, ok := blockNames[id]
	return ok
}

// BlockName returns the name of a registered block.
func BlockName(id uint16) string {
	if n, ok := blockNames[id]; ok {
		return n
	}
	return fmt.Sprintf("block(%d)", id)
}

// Store persists the block array of a chunk.
type Store interface {
	LoadChunk(ctx context.Context, x, y, z int32) ([protocol.ChunkBlocks]uint16, bool, error)
	SaveChunk(ctx context.Context, x, y, z int32, blocks [protocol.ChunkBlocks]uint16) error
}

// World is the voxel region served to clients.
type World struct {
	x, y, z int32
	layer   uint16
	blocks  [protocol.ChunkBlocks]uint16
	count   int
	dirty   bool

	store  Store
	logger zerolog.Logger
}

// New creates an empty world backed by store. A nil store keeps the world in memory only.
func New(store Store) *World {
	return &World{
		store:  store,
		logger: log.With().Str("component", "world").Logger(),
	}
}

// Index maps a coordinate to its position in the flat block array.
func Index(x, y, z uint16) int {
	return (int(z)*Edge+int(y))*Edge + int(x)
}

// InBounds reports whether the coordinate lies inside the chunk.
func InBounds(x, y, z uint16) bool {
	return x < Edge && y < Edge && z < Edge
}

// Put stores block id at the coordinate.
func (w *World) Put(x, y, z, id uint16) error {
	if !InBounds(x, y, z) {
		return fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	if !Registered(id) {
		return fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}

	i := Index(x, y, z)
	old := w.blocks[i]
	if old == id {
		return nil
	}

	w.blocks[i] = id
	switch {
	case old == Air:
		w.count++
	case id == Air:
		w.count--
	}
	w.dirty = true
	return nil
}

// Block returns the block at the coordinate.
func (w *World) Block(x, y, z uint16) (uint16, error) {
	if !InBounds(x, y, z) {
		return 0, fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	return w.blocks[Index(x, y, z)], nil
}

// Count returns the number of non-air blocks.
func (w *World) Count() int {
	return w.count
}

// Dirty reports whether the world changed since the last Load or Save.
func (w *World) Dirty() bool {
	return w.dirty
}

// Snapshot returns the whole chunk as a Chunk packet.
func (w *World) Snapshot() *protocol.Chunk {
	c := &protocol.Chunk{
		X:      w.x,
		Y:      w.y,
		Z:      w.z,
		Type:   protocol.ChunkStatic,
		Layer:  w.layer,
		Blocks: w.blocks,
	}
	if w.count == 0 {
		c.Type = protocol.ChunkEmpty
	}
	return c
}

// Load replaces the in-memory blocks with the persisted chunk, if any.
func (w *World) Load(ctx context.Context) error {
	if w.store == nil {
		return nil
	}

	blocks, ok, err := w.store.LoadChunk(ctx, w.x, w.y, w.z)
	if err != nil {
		return fmt.Errorf("failed to load chunk: %w", err)
	}
	if !ok {
		w.logger.Info().Msg("no saved chunk, starting with an empty world")
		return nil
	}

	w.blocks = blocks
	w.count = 0
	for i, id := range w.blocks {
		if !Registered(id) {
			w.logger.Warn().Int("index", i).Uint16("block", id).Msg("unknown block in saved chunk, replaced with air")
			w.blocks[i] = Air
			continue
		}
		if id != Air {
			w.count++
		}
	}
	w.dirty = false

	w.logger.Info().Int("blocks", w.count).Msg("world loaded")
	return nil
}

// Save persists the chunk when it changed.
func (w *World) Save(ctx context.Context) error {
	if w.store == nil || !w.dirty {
		return nil
	}
	if err := w.store.SaveChunk(ctx, w.x, w.y, w.z, w.blocks); err != nil {
		return fmt.Errorf("failed to save chunk: %w", err)
	}
	w.dirty = false

	w.logger.Debug().Int("blocks", w.count).Msg("world saved")
	return nil
}
