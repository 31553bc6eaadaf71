package vmetrics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/FunwayHQ/project-aegis-sub001/internal/identity"
)

// Report is one verifiable metrics snapshot, signed and appended to a
// local, never-rewritten log file.
type Report struct {
	Sequence       uint64    `json:"sequence"`
	WindowStartUTC time.Time `json:"window_start"`
	WindowEndUTC   time.Time `json:"window_end"`
	Metrics        Counters  `json:"metrics"`
	PublicKeyHex   string    `json:"public_key"`
	Signature      []byte    `json:"signature"`
}

func (r Report) canonicalPayload() ([]byte, error) {
	clone := r
	clone.Signature = nil
	return json.Marshal(clone)
}

// Verify checks r's signature against its own claimed public key.
func (r Report) Verify() (bool, error) {
	payload, err := r.canonicalPayload()
	if err != nil {
		return false, err
	}
	return identity.VerifyPublicKey(r.PublicKeyHex, payload, r.Signature)
}

// Recorder periodically snapshots an Exporter's counters into signed
// Reports and appends them to an on-disk, append-only JSON-lines log.
type Recorder struct {
	mu          sync.Mutex
	file        *os.File
	id          *identity.Identity
	exporter    *Exporter
	nextSeq     uint64
	windowStart time.Time
}

// NewRecorder opens (creating if needed) the log at path and resumes the
// sequence counter from its last line.
func NewRecorder(path string, id *identity.Identity, exporter *Exporter) (*Recorder, error) {
	last, err := lastSequence(path)
	if err != nil {
		return nil, fmt.Errorf("vmetrics: read existing log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vmetrics: open log %s: %w", path, err)
	}
	return &Recorder{
		file:        f,
		id:          id,
		exporter:    exporter,
		nextSeq:     last + 1,
		windowStart: time.Now().UTC(),
	}, nil
}

func lastSequence(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Report
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil {
			last = r.Sequence
		}
	}
	return last, sc.Err()
}

// RecordOnce snapshots, signs, and appends a single report covering the
// window since the previous call (or Recorder construction).
func (rec *Recorder) RecordOnce() (Report, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now().UTC()
	counters := rec.exporter.Collect()
	r := Report{
		Sequence:       rec.nextSeq,
		WindowStartUTC: rec.windowStart,
		WindowEndUTC:   now,
		Metrics:        counters,
		PublicKeyHex:   rec.id.PublicKeyHex(),
	}
	payload, err := r.canonicalPayload()
	if err != nil {
		return Report{}, fmt.Errorf("vmetrics: marshal report: %w", err)
	}
	r.Signature = rec.id.Sign(payload)

	line, err := json.Marshal(r)
	if err != nil {
		return Report{}, fmt.Errorf("vmetrics: marshal signed report: %w", err)
	}
	line = append(line, '\n')
	if _, err := rec.file.Write(line); err != nil {
		return Report{}, fmt.Errorf("vmetrics: append report: %w", err)
	}

	rec.nextSeq++
	rec.windowStart = now
	return r, nil
}

// Run appends one report every aggregationPeriod until ctx is canceled.
func (rec *Recorder) Run(ctx context.Context, aggregationPeriod time.Duration) {
	t := time.NewTicker(aggregationPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = rec.RecordOnce()
		}
	}
}

// Close releases the underlying file handle.
func (rec *Recorder) Close() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.file.Close()
}
