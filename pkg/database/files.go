package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// maxStoredFileSize bounds the buffer allocated when decompressing a blob
const maxStoredFileSize = 1 << 30

// compressBlob compresses data with LZ4 block compression. The second
// result is false when compression would not save space and data is
// returned unchanged.
func compressBlob(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil || n == 0 || n >= len(data) {
		// Compression failed or data is incompressible
		return data, false
	}
	return compressed[:n], true
}

func decompressBlob(data []byte, originalSize int) ([]byte, error) {
	if originalSize < 0 || originalSize > maxStoredFileSize {
		return nil, fmt.Errorf("invalid stored size %d", originalSize)
	}
	out := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", n, originalSize)
	}
	return out, nil
}

// Save implements the server's FileStore. An existing file with the same
// name is replaced.
func (s *Store) Save(username, filename string, data []byte) error {
	if filename == "" {
		return errors.New("filename must not be empty")
	}

	blob, compressed := compressBlob(data)
	if blob == nil {
		// A nil slice binds as NULL
		blob = []byte{}
	}
	_, err := s.writeConn.Exec(`
		INSERT INTO File (username, filename, data, compressed, original_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (username, filename) DO UPDATE SET
			data = excluded.data,
			compressed = excluded.compressed,
			original_size = excluded.original_size,
			updated_at = excluded.updated_at
	`, username, filename, blob, compressed, len(data), nowMillis())
	return err
}

// Load implements the server's FileStore
func (s *Store) Load(username, filename string) ([]byte, bool, error) {
	var blob []byte
	var compressed bool
	var originalSize int
	err := s.conn.QueryRow(`
		SELECT data, compressed, original_size FROM File
		WHERE username = ? AND filename = ?
	`, username, filename).Scan(&blob, &compressed, &originalSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if !compressed {
		if blob == nil {
			blob = []byte{}
		}
		return blob, true, nil
	}
	data, err := decompressBlob(blob, originalSize)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// List implements the server's FileStore. Names are sorted.
func (s *Store) List(username string) ([]string, error) {
	rows, err := s.conn.Query(`
		SELECT filename FROM File WHERE username = ? ORDER BY filename
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
