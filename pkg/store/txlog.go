package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fulcrumhq/proxy/pkg/domain"
)

// txLogVersion is the only record version this build accepts on load
// (spec §6: "Records with v != 1 must be rejected on load").
const txLogVersion = 1

// opRecord is the wire shape of one operation within a TxLog record. It
// carries the op's Kind as a discriminator and the op's fields as a raw
// JSON object under a separate "payload" member, mirroring the teacher's
// Command{Op, Data} shape in pkg/manager/fsm.go. The fields are not
// inlined beside "kind".
type opRecord struct {
	Kind    domain.OpKind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// txRecord is one line of the TxLog file: {"v":1,"at":"...","ops":[...]}.
type txRecord struct {
	V   int        `json:"v"`
	At  time.Time  `json:"at"`
	Ops []opRecord `json:"ops"`
}

// TxLog is a single append-only file per process, journalling the
// operation batches passed to Append so they can be replayed into a fresh
// Store by Replay (spec §4.3). Writes are serialized behind one mutex: the file
// descriptor is owned by a single writer.
type TxLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenTxLog opens (creating if absent) the log file at path for
// appending.
func OpenTxLog(path string) (*TxLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txlog: open %s: %w", path, err)
	}
	return &TxLog{file: f}, nil
}

// Close closes the underlying file descriptor.
func (l *TxLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append serializes batch as one record, writes it in a single write
// call, and fsyncs before returning. A write or fsync failure here is
// fatal per spec §7 — the caller must abort rather than consider the
// batch durably committed.
func (l *TxLog) Append(batch []domain.Op, at time.Time) error {
	ops := make([]opRecord, 0, len(batch))
	for _, op := range batch {
		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("txlog: marshal op: %w", err)
		}
		ops = append(ops, opRecord{Kind: op.Kind(), Payload: payload})
	}

	rec := txRecord{V: txLogVersion, At: at.UTC(), Ops: ops}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txlog: marshal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("txlog: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("txlog: fsync: %w", err)
	}
	return nil
}

// LoadTxLog reads every well-formed record from path in order. It
// tolerates exactly one trailing truncated line (per spec §4.3) — any
// parse error on a non-final line aborts the load.
func LoadTxLog(path string) ([]txRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("txlog: open %s: %w", path, err)
	}
	defer f.Close()

	var records []txRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("txlog: scan: %w", err)
	}

	for i, line := range lines {
		if line == "" {
			continue
		}
		var rec txRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 {
				// Tolerate a single truncated trailing line.
				break
			}
			return nil, fmt.Errorf("txlog: parse record %d: %w", i, err)
		}
		if rec.V != txLogVersion {
			return nil, fmt.Errorf("txlog: record %d has unsupported version %d", i, rec.V)
		}
		records = append(records, rec)
	}
	return records, nil
}

var _ io.Closer = (*TxLog)(nil)
