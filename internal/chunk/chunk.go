package chunk

import (
	"time"

	"github.com/google/uuid"
)

// RawChunk is one complete binary frame persisted to scratch in the client's
// container format. The converter worker owns its file once it is dequeued.
type RawChunk struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	FilePath     string    `json:"file_path"`
	IsLast       bool      `json:"is_last"`
	Size         int       `json:"size"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ConvertedChunk references fixed-format PCM (mono, 16-bit, 16 kHz WAV) for a RawChunk.
type ConvertedChunk struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	FilePath     string    `json:"file_path"`
	IsLast       bool      `json:"is_last"`
	ReceivedAt   time.Time `json:"received_at"`
}

// NewRawChunk creates a raw chunk with a fresh id
func NewRawChunk(connectionID, filePath string, size int, isLast bool) RawChunk {
	return RawChunk{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		FilePath:     filePath,
		IsLast:       isLast,
		Size:         size,
		ReceivedAt:   time.Now(),
	}
}

// Converted derives the converted chunk, keeping identity and the last flag.
func (c RawChunk) Converted(filePath string) ConvertedChunk {
	return ConvertedChunk{
		ID:           c.ID,
		ConnectionID: c.ConnectionID,
		FilePath:     filePath,
		IsLast:       c.IsLast,
		ReceivedAt:   c.ReceivedAt,
	}
}
