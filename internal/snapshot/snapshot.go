// Package snapshot writes and restores whole-session state: every agent's
// inventory, loadout definition and hysteresis flags. Files are a JSON
// header line followed by a JSON body, zstd compressed.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

// Version is the current file format version.
const Version = 1

const fileSuffix = ".json.zst"

// ErrNoSnapshot is returned by Latest when a directory holds no snapshot.
var ErrNoSnapshot = errors.New("snapshot: no snapshot found")

// Header is written as the first line so tools can inspect a file without
// decoding the body.
type Header struct {
	Version   int       `json:"version"`
	Session   string    `json:"session"`
	Tick      int64     `json:"tick"`
	CreatedAt time.Time `json:"created_at"`
	Agents    int       `json:"agents"`
}

// AgentState is one agent's persisted state.
type AgentState struct {
	ID        inventory.AgentID       `json:"id"`
	Inventory json.RawMessage         `json:"inventory"`
	Loadout   *loadout.Definition     `json:"loadout,omitempty"`
	Flags     map[loadout.SlotID]bool `json:"flags,omitempty"`
}

// Snapshot is the full session state.
type Snapshot struct {
	Header Header       `json:"header"`
	Agents []AgentState `json:"agents"`
}

// Capture records every agent of w.
func Capture(w *loadout.World, session string, tick int64) (Snapshot, error) {
	agents := w.Agents()
	snap := Snapshot{
		Header: Header{
			Version:   Version,
			Session:   session,
			Tick:      tick,
			CreatedAt: time.Now().UTC(),
			Agents:    len(agents),
		},
		Agents: make([]AgentState, 0, len(agents)),
	}
	for _, a := range agents {
		data, err := a.Inventory.Serialize()
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: agent %s: %w", a.ID, err)
		}
		st := AgentState{ID: a.ID, Inventory: data}
		if l := a.Tracker.Loadout(); l != nil {
			def := l.Definition()
			st.Loadout = &def
			st.Flags = a.Tracker.ThresholdFlags()
		}
		snap.Agents = append(snap.Agents, st)
	}
	return snap, nil
}

// Restore recreates the captured agents in w. Agents sharing a loadout id
// share one loadout again. Margins are recomputed from the restored
// inventories and the saved flags.
func Restore(w *loadout.World, snap Snapshot) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("snapshot: unsupported version %d", snap.Header.Version)
	}
	built := make(map[loadout.LoadoutID]*loadout.Loadout)
	for _, st := range snap.Agents {
		a, err := w.AddAgent(st.ID, 0)
		if err != nil {
			return fmt.Errorf("snapshot: agent %s: %w", st.ID, err)
		}
		if err := a.Inventory.Deserialize(st.Inventory); err != nil {
			return fmt.Errorf("snapshot: agent %s inventory: %w", st.ID, err)
		}
		if st.Loadout == nil {
			continue
		}
		l, ok := built[st.Loadout.ID]
		if !ok || st.Loadout.ID == "" {
			l, err = w.Build(*st.Loadout)
			if err != nil {
				return fmt.Errorf("snapshot: agent %s loadout: %w", st.ID, err)
			}
			if err := w.AddLoadout(l); err != nil {
				return err
			}
			built[l.ID] = l
		}
		if err := a.Tracker.AttachWithFlags(l, st.Flags); err != nil {
			return fmt.Errorf("snapshot: agent %s attach: %w", st.ID, err)
		}
	}
	return nil
}

// Path names the snapshot file for a tick inside dir.
func Path(dir string, tick int64) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot-%012d%s", tick, fileSuffix))
}

// Write stores snap at path, replacing any previous file atomically.
func Write(path string, snap Snapshot) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads a snapshot written by Write.
func Read(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The header is repeated in the body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the first line of a snapshot file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Latest returns the path of the newest snapshot in dir.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), fileSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
