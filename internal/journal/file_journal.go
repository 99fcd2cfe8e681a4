// Package journal provides the concrete TradeJournal adapter: an
// append-only, newline-delimited JSON file, idempotent by position_id.
// Grounded on the teacher's data.Store (os.MkdirAll-on-construct,
// directory-backed JSON persistence) and learning's feedback.go
// append-then-flush idiom.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// FileJournal appends OutcomeRecords to a JSON-lines file under dataDir,
// tracking seen position IDs in memory so a repeated Append for the same
// position is a no-op rather than a duplicate line.
type FileJournal struct {
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seen map[string]struct{}
}

// New opens (creating if absent) dataDir/outcomes.jsonl, replaying it to
// rebuild the idempotency set.
func New(logger *zap.Logger, dataDir string) (*FileJournal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("journal: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "outcomes.jsonl")
	seen, err := replaySeen(path)
	if err != nil {
		return nil, fmt.Errorf("journal: replay %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	return &FileJournal{
		logger: logger.Named("file-journal"),
		file:   f,
		w:      bufio.NewWriter(f),
		seen:   seen,
	}, nil
}

func replaySeen(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return seen, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec core.OutcomeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		seen[rec.PositionID] = struct{}{}
	}
	return seen, scanner.Err()
}

// Append writes rec if its PositionID has not already been journaled.
func (j *FileJournal) Append(ctx context.Context, rec core.OutcomeRecord) error {
	select {
	case <-ctx.Done():
		return core.ErrCancelled
	default:
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.seen[rec.PositionID]; ok {
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal outcome %s: %w", rec.PositionID, err)
	}

	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("journal: write outcome %s: %w", rec.PositionID, err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush outcome %s: %w", rec.PositionID, err)
	}

	j.seen[rec.PositionID] = struct{}{}
	return nil
}

// Close flushes and closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
