// Package zfstest provides an in-memory Volume for tests.
package zfstest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
)

// Call records one mutating operation.
type Call struct {
	Op      string
	Target  string
	Options any
}

// Volume keeps datasets and their snapshots in memory. Streams produced by
// Send are only understood by another Volume's Receive.
type Volume struct {
	mu       sync.Mutex
	datasets map[dataset.Path][]snapshot.Snapshot
	calls    []Call

	// Fail maps "op target" (e.g. "destroy pool/a@s1") to an error.
	Fail map[string]error
	// TruncateSends makes every sent stream end early with an error.
	TruncateSends bool
	// Clock stamps created snapshots.
	Clock func() time.Time
}

func New() *Volume {
	return &Volume{
		datasets: make(map[dataset.Path][]snapshot.Snapshot),
		Fail:     make(map[string]error),
		Clock:    time.Now,
	}
}

// AddDataset creates ds and any missing parents.
func (v *Volume) AddDataset(ds dataset.Path) *Volume {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addLocked(ds)
	return v
}

// AddSnapshots appends snapshot names to ds, creating it if needed. Each
// successive snapshot gets a later creation time.
func (v *Volume) AddSnapshots(ds dataset.Path, names ...string) *Volume {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addLocked(ds)
	base := time.Unix(1_600_000_000, 0).UTC()
	for _, n := range names {
		created := base.Add(time.Duration(len(v.datasets[ds])) * time.Minute)
		v.datasets[ds] = append(v.datasets[ds], snapshot.Snapshot{Dataset: ds, Name: n, Created: created})
	}
	return v
}

// SnapshotNames returns the names on ds in creation order.
func (v *Volume) SnapshotNames(ds dataset.Path) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, s := range v.datasets[ds] {
		out = append(out, s.Name)
	}
	return out
}

// Has reports whether ds exists.
func (v *Volume) Has(ds dataset.Path) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.datasets[ds]
	return ok
}

// Calls returns the recorded mutating operations.
func (v *Volume) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.calls...)
}

func (v *Volume) ListDatasets(_ context.Context, root dataset.Path) ([]dataset.Path, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failLocked("list", root.String()); err != nil {
		return nil, err
	}
	if _, ok := v.datasets[root]; !ok {
		return nil, notFound(root)
	}
	var out []dataset.Path
	for ds := range v.datasets {
		if root.Contains(ds) {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (v *Volume) ListSnapshots(_ context.Context, ds dataset.Path) ([]snapshot.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failLocked("snapshots", ds.String()); err != nil {
		return nil, err
	}
	snaps, ok := v.datasets[ds]
	if !ok {
		return nil, notFound(ds)
	}
	return append([]snapshot.Snapshot(nil), snaps...), nil
}

func (v *Volume) CreateSnapshot(_ context.Context, ds dataset.Path, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	full := ds.String() + "@" + name
	v.calls = append(v.calls, Call{Op: "snapshot", Target: full})
	if err := v.failLocked("snapshot", full); err != nil {
		return err
	}
	snaps, ok := v.datasets[ds]
	if !ok {
		return notFound(ds)
	}
	for _, s := range snaps {
		if s.Name == name {
			return commandErr("snapshot", fmt.Sprintf("cannot create snapshot '%s': dataset already exists", full))
		}
	}
	v.datasets[ds] = append(snaps, snapshot.Snapshot{Dataset: ds, Name: name, Created: v.Clock().UTC()})
	return nil
}

func (v *Volume) DestroySnapshot(_ context.Context, snap snapshot.Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, Call{Op: "destroy", Target: snap.FullName()})
	if err := v.failLocked("destroy", snap.FullName()); err != nil {
		return err
	}
	snaps := v.datasets[snap.Dataset]
	for i, s := range snaps {
		if s.Name == snap.Name {
			v.datasets[snap.Dataset] = append(snaps[:i:i], snaps[i+1:]...)
			return nil
		}
	}
	return notFound(dataset.Path(snap.FullName()))
}

// Destroy removes a dataset and its descendants.
func (v *Volume) Destroy(ds dataset.Path) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := range v.datasets {
		if ds.Contains(p) {
			delete(v.datasets, p)
		}
	}
}

type stream struct {
	Source    string   `json:"source"`
	Base      string   `json:"base,omitempty"`
	Snapshots []string `json:"snapshots"`
	Raw       bool     `json:"raw"`
}

func (v *Volume) Send(_ context.Context, snap snapshot.Snapshot, opts zfs.SendOptions) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, Call{Op: "send", Target: snap.FullName(), Options: opts})
	if err := v.failLocked("send", snap.FullName()); err != nil {
		return nil, err
	}
	snaps := v.datasets[snap.Dataset]
	target := indexOf(snaps, snap.Name)
	if target < 0 {
		return nil, notFound(dataset.Path(snap.FullName()))
	}

	st := stream{Source: snap.Dataset.String(), Raw: opts.Raw}
	switch {
	case opts.Base == nil:
		st.Snapshots = []string{snap.Name}
	default:
		base := indexOf(snaps, opts.Base.Name)
		if base < 0 || base >= target {
			return nil, commandErr("send", "incremental source must be an earlier snapshot")
		}
		st.Base = opts.Base.Name
		if opts.Intermediates {
			for _, s := range snaps[base+1 : target+1] {
				st.Snapshots = append(st.Snapshots, s.Name)
			}
		} else {
			st.Snapshots = []string{snap.Name}
		}
	}

	payload, _ := json.Marshal(st)
	if v.TruncateSends {
		return &truncated{r: bytes.NewReader(payload[:len(payload)/2])}, nil
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (v *Volume) Receive(_ context.Context, ds dataset.Path, r io.Reader, opts zfs.ReceiveOptions) (int64, error) {
	data, readErr := io.ReadAll(r)
	n := int64(len(data))

	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, Call{Op: "receive", Target: ds.String(), Options: opts})
	if err := v.failLocked("receive", ds.String()); err != nil {
		return n, err
	}
	if readErr != nil {
		return n, readErr
	}
	var st stream
	if err := json.Unmarshal(data, &st); err != nil {
		return n, commandErr("receive", "cannot receive: invalid stream (checksum mismatch)")
	}

	existing, exists := v.datasets[ds]
	if st.Base == "" {
		switch {
		case exists && len(existing) > 0:
			return n, commandErr("receive", fmt.Sprintf("cannot receive new filesystem stream: destination has snapshots (eg. %s)", existing[len(existing)-1].FullName()))
		case exists && !opts.Force:
			return n, commandErr("receive", fmt.Sprintf("cannot receive new filesystem stream: destination '%s' exists", ds))
		}
		if parent := ds.Parent(); parent != "" {
			if _, ok := v.datasets[parent]; !ok {
				return n, commandErr("receive", fmt.Sprintf("cannot receive: parent of '%s' does not exist", ds))
			}
		}
		v.datasets[ds] = nil
		v.appendLocked(ds, st.Snapshots)
		return n, nil
	}

	if !exists {
		return n, commandErr("receive", fmt.Sprintf("cannot receive incremental stream: destination '%s' does not exist", ds))
	}
	base := indexOf(existing, st.Base)
	switch {
	case base < 0:
		return n, commandErr("receive", "cannot receive incremental stream: most recent snapshot of "+ds.String()+" does not match incremental source")
	case base != len(existing)-1 && !opts.Force:
		return n, commandErr("receive", "cannot receive incremental stream: destination "+ds.String()+" has been modified since most recent snapshot")
	}
	v.datasets[ds] = existing[:base+1]
	v.appendLocked(ds, st.Snapshots)
	return n, nil
}

func (v *Volume) Exists(_ context.Context, ds dataset.Path) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failLocked("exists", ds.String()); err != nil {
		return false, err
	}
	_, ok := v.datasets[ds]
	return ok, nil
}

func (v *Volume) addLocked(ds dataset.Path) {
	for _, p := range append(ds.Ancestors(), ds) {
		if _, ok := v.datasets[p]; !ok {
			v.datasets[p] = nil
		}
	}
}

func (v *Volume) appendLocked(ds dataset.Path, names []string) {
	now := v.Clock().UTC()
	for _, name := range names {
		v.datasets[ds] = append(v.datasets[ds], snapshot.Snapshot{Dataset: ds, Name: name, Created: now})
	}
}

func (v *Volume) failLocked(op, target string) error {
	if err, ok := v.Fail[op+" "+target]; ok {
		return err
	}
	if err, ok := v.Fail[op+" *"]; ok {
		return err
	}
	return nil
}

func indexOf(snaps []snapshot.Snapshot, name string) int {
	for i, s := range snaps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func notFound(ds dataset.Path) error {
	return fmt.Errorf("%w: %s", zfs.ErrDatasetNotFound, ds)
}

func commandErr(op, stderr string) error {
	return &transport.CommandError{Command: "zfs " + op, Stderr: stderr, Err: errors.New("exit status 1")}
}

type truncated struct {
	r *bytes.Reader
}

func (t *truncated) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (t *truncated) Close() error {
	return commandErr("send", "warning: cannot send: signal received")
}
