// Package execution places multi-leg combinations atomically and keeps a
// durable ledger of in-flight orders so a crash never strands a naked leg.
package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Ledger is the append-only JSONL record of pending combinations. Every
// state transition appends a full snapshot of the record; replay keeps the
// last record per combination ID. The file is fsynced on every append so a
// submitted order is on disk before any leg reaches the broker.
type Ledger struct {
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	file *os.File
}

// OpenLedger opens (or creates) the ledger file at path.
func OpenLedger(logger *zap.Logger, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &Ledger{
		logger: logger.Named("ledger"),
		path:   path,
		file:   f,
	}, nil
}

// Append durably writes the current snapshot of a combination. It returns
// only after the record is fsynced.
func (l *Ledger) Append(pc types.PendingCombination) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("encoding ledger record %s: %w", pc.ID, err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing ledger record %s: %w", pc.ID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	l.logger.Debug("Ledger record appended",
		zap.String("combination", pc.ID),
		zap.String("state", string(pc.State)))
	return nil
}

// replay reads every record and returns the latest snapshot per ID, in
// first-seen order.
func (l *Ledger) replay() ([]types.PendingCombination, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger for replay: %w", err)
	}
	defer f.Close()

	latest := make(map[string]types.PendingCombination)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	tornLine := 0
	var tornErr error
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if tornErr != nil {
			// A bad line followed by more records is interior corruption
			// and must stop trading.
			return nil, fmt.Errorf("corrupt ledger record at line %d: %w", tornLine, tornErr)
		}
		var pc types.PendingCombination
		if err := json.Unmarshal(raw, &pc); err != nil {
			tornLine, tornErr = line, err
			continue
		}
		if _, seen := latest[pc.ID]; !seen {
			order = append(order, pc.ID)
		}
		latest[pc.ID] = pc
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if tornErr != nil {
		// The append never completed, so the previous snapshot of that
		// combination still stands.
		l.logger.Warn("Dropping torn final ledger line",
			zap.Int("line", tornLine),
			zap.Error(tornErr))
	}

	out := make([]types.PendingCombination, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// Pending returns the latest snapshot of every non-terminal combination.
func (l *Ledger) Pending() ([]types.PendingCombination, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.replay()
	if err != nil {
		return nil, err
	}
	pending := records[:0]
	for _, pc := range records {
		if !pc.State.Terminal() {
			pending = append(pending, pc)
		}
	}
	return pending, nil
}

// Compact atomically rewrites the ledger keeping only the latest snapshot of
// non-terminal combinations. The replacement is written to a temp file,
// fsynced and renamed into place so a crash leaves either the old or the new
// file, never a truncated one.
func (l *Ledger) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.replay()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("creating compaction temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	kept := 0
	for _, pc := range records {
		if pc.State.Terminal() {
			continue
		}
		data, err := json.Marshal(pc)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encoding ledger record %s: %w", pc.ID, err)
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("writing compacted ledger: %w", err)
		}
		kept++
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing compacted ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing compacted ledger: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing ledger before swap: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("swapping compacted ledger: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening ledger: %w", err)
	}
	l.file = f
	l.logger.Info("Ledger compacted",
		zap.Int("records", len(records)),
		zap.Int("kept", kept))
	return nil
}

// Close releases the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
