/*
Copyright 2026 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// Error strings.
const (
	errEncodeSnapshot  = "cannot encode snapshot"
	errWriteSnapshot   = "cannot write snapshot"
	errReadSnapshot    = "cannot read snapshot"
	errDecodeSnapshot  = "cannot decode snapshot"
	errSnapshotVersion = "unsupported snapshot version %d"
)

// snapshotVersion is bumped when the on-disk shape changes.
const snapshotVersion = 1

// A snapshot is the on-disk shape of a saved store.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Entries []Entry   `json:"entries"`
}

// A Snapshotter saves and restores store contents across restarts, so a
// restarted engine serves its last known catalog while discovery warms up.
type Snapshotter struct {
	fs   afero.Fs
	path string
}

// A SnapshotterOption configures a Snapshotter.
type SnapshotterOption func(*Snapshotter)

// WithFS configures the filesystem snapshots are written to.
func WithFS(fs afero.Fs) SnapshotterOption {
	return func(s *Snapshotter) {
		s.fs = fs
	}
}

// NewSnapshotter returns a Snapshotter writing to the supplied path.
func NewSnapshotter(path string, o ...SnapshotterOption) *Snapshotter {
	s := &Snapshotter{
		fs:   afero.NewOsFs(),
		path: path,
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Save writes the store's live entries to the snapshot path. The write is
// staged and renamed so a crash mid-save never corrupts the last good
// snapshot.
func (s *Snapshotter) Save(st *Store) error {
	st.mx.RLock()
	entries := make([]Entry, 0, len(st.entries))
	for _, en := range st.entries {
		if en.State == StateRemoved {
			continue
		}
		entries = append(entries, *en)
	}
	now := st.clock.Now()
	st.mx.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Entity.ID < entries[j].Entity.ID })

	b, err := json.Marshal(snapshot{Version: snapshotVersion, SavedAt: now, Entries: entries})
	if err != nil {
		return errors.Wrap(err, errEncodeSnapshot)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, errWriteSnapshot)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return errors.Wrap(err, errWriteSnapshot)
	}
	return errors.Wrap(s.fs.Rename(tmp, s.path), errWriteSnapshot)
}

// Restore loads a snapshot into the store and returns how many entries it
// restored. Restored entries are stale until discovery confirms them. Live
// entries win over snapshot entries; a missing snapshot restores nothing.
func (s *Snapshotter) Restore(st *Store) (int, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errReadSnapshot)
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return 0, errors.Wrap(err, errDecodeSnapshot)
	}
	if snap.Version != snapshotVersion {
		return 0, errors.Errorf(errSnapshotVersion, snap.Version)
	}

	st.mx.Lock()
	defer st.mx.Unlock()

	n := 0
	for _, en := range snap.Entries {
		if _, ok := st.entries[en.Entity.ID]; ok {
			continue
		}
		en.State = StateStale
		cp := en
		st.entries[en.Entity.ID] = &cp
		st.index(cp.Entity)
		n++
	}
	return n, nil
}

// Run saves the store periodically until the context is done, then saves
// once more on the way out.
func (s *Snapshotter) Run(ctx context.Context, st *Store, every time.Duration) error {
	t := st.clock.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Save(st)
		case <-t.C():
			if err := s.Save(st); err != nil {
				st.log.Info("Cannot save catalog snapshot", "error", err)
			}
		}
	}
}
