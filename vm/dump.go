package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ThreadInfo describes one thread in a dump.
type ThreadInfo struct {
	ID       int    `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
	State    string `cbor:"3,keyasint"`
	Priority int    `cbor:"4,keyasint"`
	Daemon   bool   `cbor:"5,keyasint"`
	IO       bool   `cbor:"6,keyasint,omitempty"`
	Epoch    uint64 `cbor:"7,keyasint"`

	Interrupted bool `cbor:"8,keyasint,omitempty"`
	Terminating bool `cbor:"9,keyasint,omitempty"`
	Faulted     bool `cbor:"10,keyasint,omitempty"`
}

// FaultInfo describes one recorded fault.
type FaultInfo struct {
	ThreadID int    `cbor:"1,keyasint"`
	Thread   string `cbor:"2,keyasint"`
	Fatal    bool   `cbor:"3,keyasint"`
	Message  string `cbor:"4,keyasint"`
}

// ThreadDump is a point-in-time snapshot of a scheduler.
type ThreadDump struct {
	RunID       [16]byte     `cbor:"1,keyasint"`
	Epoch       uint64       `cbor:"2,keyasint"`
	Running     bool         `cbor:"3,keyasint"`
	Terminating bool         `cbor:"4,keyasint,omitempty"`
	Mains       []ThreadInfo `cbor:"5,keyasint"` // first created first
	Background  []ThreadInfo `cbor:"6,keyasint,omitempty"`
	Faults      []FaultInfo  `cbor:"7,keyasint,omitempty"`
}

// Run returns the dump's run id.
func (d *ThreadDump) Run() uuid.UUID { return uuid.UUID(d.RunID) }

var dumpEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	dumpEncMode = em
}

// EncodeDump serializes a dump to canonical CBOR.
func EncodeDump(d *ThreadDump) ([]byte, error) {
	return dumpEncMode.Marshal(d)
}

// DecodeDump deserializes a dump from CBOR.
func DecodeDump(data []byte) (*ThreadDump, error) {
	var d ThreadDump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("vm: unmarshal thread dump: %w", err)
	}
	return &d, nil
}

// Dump snapshots the scheduler's threads and faults.
func (s *Scheduler) Dump() *ThreadDump {
	s.mu.Lock()
	d := &ThreadDump{
		RunID:       s.runID,
		Epoch:       s.epoch,
		Running:     s.running,
		Terminating: s.terminating,
	}
	for _, m := range s.displaced {
		d.Mains = append(d.Mains, threadInfo(m))
	}
	if s.main != nil {
		d.Mains = append(d.Mains, threadInfo(s.main))
	}
	s.mu.Unlock()

	for _, e := range s.registry.snapshot() {
		d.Background = append(d.Background, threadInfo(e.thread))
	}
	for _, f := range s.faults.list() {
		d.Faults = append(d.Faults, FaultInfo{
			ThreadID: f.Thread.id,
			Thread:   f.Thread.name,
			Fatal:    f.Fatal,
			Message:  f.Err.Error(),
		})
	}
	return d
}

func threadInfo(t *LogicalThread) ThreadInfo {
	state := StateReady
	if a := t.Adapter(); a != nil {
		state = a.State()
	}
	return ThreadInfo{
		ID:          t.id,
		Name:        t.name,
		State:       state.String(),
		Priority:    int(t.props.Priority),
		Daemon:      t.props.Daemon,
		IO:          t.props.IO,
		Epoch:       t.props.RunEpoch,
		Interrupted: t.interrupted.Load(),
		Terminating: t.terminating.Load(),
		Faulted:     t.faulted.Load(),
	}
}
