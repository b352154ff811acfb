// Package ledger implements C3: two named, hash-chained, dual-mirrored
// append-only logs (relocation, documentation) recording every mutating
// pipeline operation alongside the signed capability-policy decision that
// authorized it.
//
// Grounded on original_source/workflow/src/instrumentation.rs — genesis
// handling, the FNV-1a hash chain, the dual index/mirror write-flush-fsync,
// and the process-wide write lock are all ported close to line-for-line.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/noacore/crc-pipeline/internal/capability"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

const (
	// RelocationLog records drop file relocations (move_to_ready).
	RelocationLog = "relocation"
	// DocumentationLog records documentation/manifest updates.
	DocumentationLog = "documentation"

	genesisHash = "GENESIS"

	offsetBasis uint64 = 14695981039346656037
	fnvPrime    uint64 = 1099511628211
)

// Event describes the pipeline action a ledger entry records.
type Event struct {
	EventType string                 `json:"event_type"`
	Actor     string                 `json:"actor"`
	Scope     string                 `json:"scope"`
	Source    *string                `json:"source,omitempty"`
	Target    *string                `json:"target,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Entry is one hash-chained ledger record.
type Entry struct {
	Event        Event                       `json:"event"`
	Policy       capability.SignedOperation  `json:"policy"`
	PreviousHash string                      `json:"previous_hash"`
	EntryHash    string                      `json:"entry_hash"`
}

func newEntry(event Event, policy capability.SignedOperation, previousHash string) (Entry, error) {
	materialized := map[string]interface{}{
		"event":         event,
		"policy":        policy,
		"previous_hash": previousHash,
	}
	data, err := json.Marshal(materialized)
	if err != nil {
		return Entry{}, crcerrors.Wrap(crcerrors.CodeLedgerSerialization, "marshal entry for hashing", err)
	}
	return Entry{
		Event:        event,
		Policy:       policy,
		PreviousHash: previousHash,
		EntryHash:    fnv1a(string(data)),
	}, nil
}

// Ledger writes relocation and documentation logs to a dual-mirrored,
// hash-chained index.
type Ledger struct {
	indexDir  string
	mirrorDir string
	registry  *capability.Registry

	mu sync.Mutex
}

// New prepares a Ledger rooted at indexDir/mirrorDir, creating both
// directories and seeding genesis entries for both named logs.
func New(indexDir, mirrorDir string, registry *capability.Registry) (*Ledger, error) {
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeLedgerIO, "create index directory", err)
	}
	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeLedgerIO, "create mirror directory", err)
	}

	l := &Ledger{indexDir: indexDir, mirrorDir: mirrorDir, registry: registry}

	if err := l.ensureGenesis(RelocationLog); err != nil {
		return nil, err
	}
	if err := l.ensureGenesis(DocumentationLog); err != nil {
		return nil, err
	}
	return l, nil
}

// ensureGenesis seeds log_name's index AND mirror files with the same
// single genesis entry if a file does not yet exist, or is empty. The
// genesis payload is built once so both copies are byte-identical, then
// seeded into each directory independently — the same guard against
// concurrent double-seeding applies to both.
func (l *Ledger) ensureGenesis(logName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := l.genesisPayload(logName)
	if err != nil {
		return err
	}

	if err := seedLogIfEmpty(l.logPath(l.indexDir, logName), payload); err != nil {
		return err
	}
	return seedLogIfEmpty(l.logPath(l.mirrorDir, logName), payload)
}

func (l *Ledger) genesisPayload(logName string) ([]byte, error) {
	event := Event{
		EventType: logName + "::genesis",
		Actor:     "system/bootstrap",
		Scope:     "instrumentation",
		Metadata:  map[string]interface{}{"message": "ledger initialised"},
		Timestamp: time.Now().UnixMilli(),
	}
	signed := l.registry.Enforce("ledger_genesis", "system/bootstrap", "instrumentation",
		map[string]interface{}{"initialised": true})
	entry, err := newEntry(event, signed, genesisHash)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeLedgerSerialization, "marshal genesis entry", err)
	}
	return append(data, '\n'), nil
}

// seedLogIfEmpty writes payload to path if the file does not yet exist or
// is empty. Races between concurrent processes are tolerated: whichever
// goroutine opens the file first with O_EXCL wins; the loser re-checks
// content before giving up.
func seedLogIfEmpty(path string, payload []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		defer file.Close()
		if _, err := file.Write(payload); err != nil {
			return crcerrors.Wrap(crcerrors.CodeLedgerIO, "write genesis entry", err)
		}
		return file.Sync()
	}
	if !os.IsExist(err) {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "create ledger log file", err)
	}

	content, readErr := os.ReadFile(path)
	if readErr == nil && strings.TrimSpace(string(content)) != "" {
		return nil
	}

	file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "open ledger log file", err)
	}
	defer file.Close()

	content, err = os.ReadFile(path)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "re-read ledger log file", err)
	}
	if strings.TrimSpace(string(content)) != "" {
		return nil
	}
	if _, err := file.Write(payload); err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "write genesis entry", err)
	}
	return file.Sync()
}

// LogRelocation appends a relocation event (a drop's files moving to a
// ready queue) to the relocation log.
func (l *Ledger) LogRelocation(actor, source, target string, metadata map[string]interface{}) (capability.SignedOperation, error) {
	event := Event{
		EventType: "relocation",
		Actor:     actor,
		Scope:     "relocation_pipeline",
		Source:    &source,
		Target:    &target,
		Metadata:  metadata,
		Timestamp: time.Now().UnixMilli(),
	}
	return l.appendEntry(RelocationLog, event, "relocate_drop", actor, target, metadata)
}

// LogDocumentUpdate appends a documentation/manifest-update event to the
// documentation log.
func (l *Ledger) LogDocumentUpdate(actor, documentPath string, metadata map[string]interface{}) (capability.SignedOperation, error) {
	event := Event{
		EventType: "documentation",
		Actor:     actor,
		Scope:     documentPath,
		Target:    &documentPath,
		Metadata:  metadata,
		Timestamp: time.Now().UnixMilli(),
	}
	return l.appendEntry(DocumentationLog, event, "document_update", actor, documentPath, metadata)
}

func (l *Ledger) appendEntry(logName string, event Event, opKind, actor, target string, metadata map[string]interface{}) (capability.SignedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	previousHash, err := l.tailHashLocked(logName)
	if err != nil {
		return capability.SignedOperation{}, err
	}

	signed := l.registry.Enforce(opKind, actor, target, metadata)
	entry, err := newEntry(event, signed, previousHash)
	if err != nil {
		return capability.SignedOperation{}, err
	}
	if err := l.writeEntry(logName, entry); err != nil {
		return capability.SignedOperation{}, err
	}
	return signed, nil
}

// tailHashLocked returns the entry_hash of the last line in logName's
// index file, or the genesis sentinel if the file is absent or empty.
// Caller must hold l.mu.
func (l *Ledger) tailHashLocked(logName string) (string, error) {
	path := l.logPath(l.indexDir, logName)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", crcerrors.Wrap(crcerrors.CodeLedgerIO, "read ledger log for tail hash", err)
	}

	lines := strings.Split(string(content), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", crcerrors.Wrap(crcerrors.CodeLedgerSerialization, "parse ledger entry for tail hash", err)
		}
		return entry.EntryHash, nil
	}
	return genesisHash, nil
}

func (l *Ledger) logPath(base, logName string) string {
	return filepath.Join(base, logName+".log")
}

// writeEntry appends entry to both the index and mirror copies of
// logName's log, flushing and fsyncing each in turn. Caller must hold l.mu.
func (l *Ledger) writeEntry(logName string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerSerialization, "marshal ledger entry", err)
	}
	payload := append(data, '\n')

	for _, base := range []string{l.indexDir, l.mirrorDir} {
		path := l.logPath(base, logName)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return crcerrors.Wrap(crcerrors.CodeLedgerIO, fmt.Sprintf("open %s for append", path), err)
		}
		if _, err := file.Write(payload); err != nil {
			file.Close()
			return crcerrors.Wrap(crcerrors.CodeLedgerIO, fmt.Sprintf("write to %s", path), err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return crcerrors.Wrap(crcerrors.CodeLedgerIO, fmt.Sprintf("sync %s", path), err)
		}
		if err := file.Close(); err != nil {
			return crcerrors.Wrap(crcerrors.CodeLedgerIO, fmt.Sprintf("close %s", path), err)
		}
	}
	return nil
}

// Verify replays logName's index file, confirming every entry's
// previous_hash matches the prior entry's entry_hash and every
// entry_hash is consistent with its own content, then confirms the
// mirror copy is byte-identical to the index — the property that makes
// the ledger tamper-evident rather than merely tamper-detectable.
func (l *Ledger) Verify(logName string) error {
	content, err := readLogOrEmpty(l.logPath(l.indexDir, logName))
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "read index log for verification", err)
	}
	if err := verifyChain(content); err != nil {
		return err
	}
	return l.verifyMirror(logName, content)
}

// verifyMirror confirms logName's mirror copy is byte-identical to the
// already-validated index content. A mismatch means the two copies have
// diverged — either through disk corruption or tampering with one copy
// only — and is reported distinctly from a broken hash chain.
func (l *Ledger) verifyMirror(logName string, indexContent []byte) error {
	mirrorContent, err := readLogOrEmpty(l.logPath(l.mirrorDir, logName))
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeLedgerIO, "read mirror log for verification", err)
	}
	if !bytes.Equal(indexContent, mirrorContent) {
		return crcerrors.New(crcerrors.CodeLedgerDiscontinuity,
			fmt.Sprintf("%s: index and mirror logs diverge", logName))
	}
	return nil
}

// readLogOrEmpty reads path, returning an empty slice rather than an
// error when the file does not exist yet.
func readLogOrEmpty(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return content, nil
}

// verifyChain replays content's entries, confirming every entry's
// previous_hash matches the prior entry's entry_hash and every
// entry_hash is consistent with its own content.
func verifyChain(content []byte) error {
	expectedPrev := genesisHash
	for i, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return crcerrors.Wrap(crcerrors.CodeLedgerSerialization,
				fmt.Sprintf("parse entry %d", i), err)
		}
		if entry.PreviousHash != expectedPrev {
			return crcerrors.New(crcerrors.CodeLedgerDiscontinuity,
				fmt.Sprintf("entry %d: expected previous_hash %s, got %s", i, expectedPrev, entry.PreviousHash))
		}

		recomputed, err := newEntry(entry.Event, entry.Policy, entry.PreviousHash)
		if err != nil {
			return err
		}
		if recomputed.EntryHash != entry.EntryHash {
			return crcerrors.New(crcerrors.CodeLedgerDiscontinuity,
				fmt.Sprintf("entry %d: entry_hash mismatch, chain tampered", i))
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// fnv1a computes the 64-bit FNV-1a hash of value, formatted as 16 lowercase
// hex digits — the same scheme original_source's simple_hash uses.
func fnv1a(value string) string {
	hash := offsetBasis
	for i := 0; i < len(value); i++ {
		hash ^= uint64(value[i])
		hash *= fnvPrime
	}
	return fmt.Sprintf("%016x", hash)
}
