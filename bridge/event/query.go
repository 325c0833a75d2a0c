package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Filter narrows a read sequence. A zero-value Filter matches everything.
type Filter struct {
	StreamPrefix string   // e.g. "agent" matches "agent:123"
	Types        []Type   // empty matches any type
	Since        ID       // exclusive lower bound; empty reads from the start
	PayloadPath  string   // gjson path evaluated against payload, e.g. "status"
	PayloadEq    string   // PayloadPath's value must equal this (string compare)
}

// Matches reports whether event e satisfies the filter.
func (f Filter) Matches(e Event) bool {
	if f.StreamPrefix != "" && StreamPrefix(e.StreamID) != f.StreamPrefix {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since != "" && !Less(f.Since, e.ID) {
		return false
	}
	if f.PayloadPath != "" {
		v := gjson.GetBytes(e.Payload, f.PayloadPath)
		if !v.Exists() || v.String() != f.PayloadEq {
			return false
		}
	}
	return true
}

// Read replays the log from disk in ID order, applying filter lazily and
// invoking fn for each matching event. It stops early if fn returns false.
// Read never touches the writer's in-memory state, so it cannot block
// appends; it may race a concurrent append and simply not see events
// committed after the scan of a segment begins.
func (s *Store) Read(filter Filter, fn func(Event) bool) error {
	segments, err := listSegments(s.dir)
	if err != nil {
		return err
	}
	for _, path := range segments {
		cont, err := scanSegment(path, filter, fn)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("event: readdir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func scanSegment(path string, filter Filter, fn func(Event) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("event: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			break // truncated tail, same tolerance as recovery
		}
		if !filter.Matches(rec.Event) {
			continue
		}
		if !fn(rec.Event) {
			return false, nil
		}
	}
	return true, nil
}

// ReadAll collects all matching events into memory. Intended for projection
// bootstrap and tests, not for hot paths.
func (s *Store) ReadAll(filter Filter) ([]Event, error) {
	var out []Event
	err := s.Read(filter, func(e Event) bool {
		out = append(out, e)
		return true
	})
	return out, err
}
