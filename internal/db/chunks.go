package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

const chunkBlobSize = protocol.ChunkBlocks * 2

// ChunkStore persists chunk block arrays as big-endian blobs.
type ChunkStore struct {
	db *Database
}

// NewChunkStore creates a chunk store on db.
func NewChunkStore(db *Database) *ChunkStore {
	return &ChunkStore{db: db}
}

// LoadChunk returns the saved blocks at (x, y, z). The bool is false when no
// chunk was saved there.
func (s *ChunkStore) LoadChunk(ctx context.Context, x, y, z int32) ([protocol.ChunkBlocks]uint16, bool, error) {
	var blocks [protocol.ChunkBlocks]uint16

	var blob []byte
	err := s.db.QueryRow(ctx, "SELECT blocks FROM chunks WHERE x = ? AND y = ? AND z = ?", x, y, z).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return blocks, false, nil
	}
	if err != nil {
		return blocks, false, fmt.Errorf("failed to load chunk (%d,%d,%d): %w", x, y, z, err)
	}
	if len(blob) != chunkBlobSize {
		return blocks, false, fmt.Errorf("chunk (%d,%d,%d) is %d bytes, want %d", x, y, z, len(blob), chunkBlobSize)
	}

	for i := range blocks {
		blocks[i] = binary.BigEndian.Uint16(blob[i*2:])
	}
	return blocks, true, nil
}

// SaveChunk stores blocks at (x, y, z), replacing any previous save.
func (s *ChunkStore) SaveChunk(ctx context.Context, x, y, z int32, blocks [protocol.ChunkBlocks]uint16) error {
	blob := make([]byte, 0, chunkBlobSize)
	for _, b := range blocks {
		blob = binary.BigEndian.AppendUint16(blob, b)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO chunks (x, y, z, blocks, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (x, y, z) DO UPDATE SET blocks = excluded.blocks, updated_at = excluded.updated_at`,
		x, y, z, blob)
	if err != nil {
		return fmt.Errorf("failed to save chunk (%d,%d,%d): %w", x, y, z, err)
	}
	return nil
}
