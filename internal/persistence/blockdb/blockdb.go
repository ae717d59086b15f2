// Package blockdb persists saved voxel blocks in a sqlite database. Writes
// go through a single writer goroutine fed by a channel; reads hit the
// database directly. Payloads are zstd-compressed.
package blockdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	lod INTEGER NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	payload BLOB NOT NULL,
	saved_at TEXT NOT NULL,
	PRIMARY KEY (lod, x, y, z)
);
`

// SavedBlock is one persisted block record.
type SavedBlock struct {
	Lod     int
	X, Y, Z int
	Voxels  []byte
}

type Store struct {
	db *sql.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	ch   chan SavedBlock
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped atomic.Uint64
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("blocks pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("blocks schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		enc: enc,
		dec: dec,
		ch:  make(chan SavedBlock, 4096),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for block saves.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writer() {
	defer s.wg.Done()
	for b := range s.ch {
		payload := s.enc.EncodeAll(b.Voxels, nil)
		_, err := s.db.Exec(
			`INSERT INTO blocks (lod, x, y, z, payload, saved_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (lod, x, y, z) DO UPDATE SET payload=excluded.payload, saved_at=excluded.saved_at`,
			b.Lod, b.X, b.Y, b.Z, payload, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			s.dropped.Add(1)
		}
	}
}

// Save enqueues a block for the writer. Returns false when the queue is
// full or the store closed; the block is dropped, not blocked on.
func (s *Store) Save(b SavedBlock) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Load fetches and decompresses one block. ok is false when the block was
// never saved.
func (s *Store) Load(lod, x, y, z int) (voxels []byte, ok bool, err error) {
	var payload []byte
	row := s.db.QueryRow(`SELECT payload FROM blocks WHERE lod=? AND x=? AND y=? AND z=?`, lod, x, y, z)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	voxels, err = s.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress block (%d %d %d %d): %w", lod, x, y, z, err)
	}
	return voxels, true, nil
}

// Count returns the number of persisted blocks.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Dropped reports how many saves were lost to backpressure or write errors.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		s.enc.Close()
		s.dec.Close()
		err = s.db.Close()
	})
	return err
}
