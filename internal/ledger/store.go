// Package ledger owns the per-instrument execution ledgers: deduped,
// append-only, timestamp-ordered sequences that matching and metrics
// are rebuilt from. Re-ingesting the same content any number of times
// converges to the same state.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"webull-pnl-monitor-go/internal/parser"
)

// IngestResult summarizes one ingestion batch.
type IngestResult struct {
	NewCount          int
	SkippedDuplicates int
	Errors            []error
}

type entry struct {
	exec parser.Execution
	seq  uint64 // arrival order, breaks timestamp ties
}

// Store deduplicates and orders executions per instrument and tracks
// which file offsets have already been consumed. Safe for concurrent
// use; ingestion cycles are expected to serialize above it anyway.
type Store struct {
	mu        sync.Mutex
	ledgers   map[string][]entry
	seen      map[string]struct{}
	offsets   map[string]int64 // consumed byte offset per file identity
	lineCount map[string]int64 // consumed line count per file identity
	seq       uint64
}

// NewStore creates an empty execution store.
func NewStore() *Store {
	return &Store{
		ledgers:   make(map[string][]entry),
		seen:      make(map[string]struct{}),
		offsets:   make(map[string]int64),
		lineCount: make(map[string]int64),
	}
}

// Ingest parses a batch of raw log lines attributed to one file
// identity. Lines that are not execution records are skipped silently;
// defective execution lines are skipped and reported in Errors; already
// seen executions are counted as duplicates. Never reorders existing
// entries: new executions are inserted at the position implied by
// timestamp, ties broken by arrival order.
func (s *Store) Ingest(lines []string, fileIdentity string) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res IngestResult
	base := s.lineCount[fileIdentity]
	for i, line := range lines {
		execs, err := parser.ParseLine(line)
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
		for j, exec := range execs {
			ref := exec.SourceRef
			if ref == "" {
				// No broker order ID in the payload: derive the dedup key
				// from the file position so rescans stay idempotent.
				ref = fmt.Sprintf("%s:%d:%d", fileIdentity, base+int64(i), j)
				exec.SourceRef = ref
			}
			if _, dup := s.seen[ref]; dup {
				res.SkippedDuplicates++
				continue
			}
			s.seen[ref] = struct{}{}
			s.insert(exec)
			res.NewCount++
		}
	}
	s.lineCount[fileIdentity] = base + int64(len(lines))
	return res
}

// Append inserts already-parsed executions through the same dedup and
// ordering path as Ingest. Used to replay persisted ledgers on
// startup; the result is indistinguishable from fresh ingestion.
func (s *Store) Append(execs []parser.Execution) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res IngestResult
	for _, exec := range execs {
		if exec.SourceRef == "" {
			res.Errors = append(res.Errors, fmt.Errorf("execution for %s without source ref, skipped", exec.Instrument))
			continue
		}
		if exec.Quantity <= 0 {
			// Guards against corrupted persisted rows reaching matching.
			res.Errors = append(res.Errors, fmt.Errorf("execution %s has non-positive quantity %d, skipped", exec.SourceRef, exec.Quantity))
			continue
		}
		if _, dup := s.seen[exec.SourceRef]; dup {
			res.SkippedDuplicates++
			continue
		}
		s.seen[exec.SourceRef] = struct{}{}
		s.insert(exec)
		res.NewCount++
	}
	return res
}

// insert places an execution into its instrument ledger keeping the
// sequence non-decreasing by timestamp. Ties keep arrival order.
func (s *Store) insert(exec parser.Execution) {
	s.seq++
	e := entry{exec: exec, seq: s.seq}
	l := s.ledgers[exec.Instrument]
	// First index whose timestamp is strictly later; equal timestamps
	// stay in arrival order.
	pos := sort.Search(len(l), func(i int) bool {
		return l[i].exec.Timestamp.After(exec.Timestamp)
	})
	l = append(l, entry{})
	copy(l[pos+1:], l[pos:])
	l[pos] = e
	s.ledgers[exec.Instrument] = l
}

// Offset returns the consumed byte offset recorded for a file.
func (s *Store) Offset(fileIdentity string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[fileIdentity]
}

// SetOffset records the byte offset up to which a file has been
// consumed.
func (s *Store) SetOffset(fileIdentity string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[fileIdentity] = offset
}

// ResetFile forgets the consumed offset and line count for a file so a
// rewritten file can be re-parsed from the start. Seen source refs are
// kept: the re-parse dedups against them and the ledger converges.
func (s *Store) ResetFile(fileIdentity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, fileIdentity)
	delete(s.lineCount, fileIdentity)
}

// Instruments returns the symbols holding at least one execution,
// sorted for deterministic iteration.
func (s *Store) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ledgers))
	for sym := range s.ledgers {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Executions returns a copy of one instrument's ordered ledger.
func (s *Store) Executions(instrument string) []parser.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledgers[instrument]
	out := make([]parser.Execution, len(l))
	for i, e := range l {
		out[i] = e.exec
	}
	return out
}

// AllExecutions returns a copy of every ledger, ordered by instrument
// then timestamp. Used by persistence and the warning detector.
func (s *Store) AllExecutions() []parser.Execution {
	var out []parser.Execution
	for _, sym := range s.Instruments() {
		out = append(out, s.Executions(sym)...)
	}
	return out
}

// Len returns the total number of executions across all ledgers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.ledgers {
		n += len(l)
	}
	return n
}
