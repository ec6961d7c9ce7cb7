// Package roster maps TeamSpeak unique identifiers to game GUIDs.
package roster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Index is an immutable identity -> GUID mapping.
type Index struct {
	byIdentity map[string]int64
	byGUID     map[int64]string
}

// GUID returns the game GUID registered for a TeamSpeak unique identifier.
func (i *Index) GUID(identity string) (int64, bool) {
	guid, ok := i.byIdentity[identity]
	return guid, ok
}

// Identity returns the TeamSpeak unique identifier registered for a GUID.
func (i *Index) Identity(guid int64) (string, bool) {
	identity, ok := i.byGUID[guid]
	return identity, ok
}

// Len returns the number of registered players.
func (i *Index) Len() int {
	return len(i.byIdentity)
}

// Parse reads a roster in "GUID=identity" form, one entry per line. As in Java
// properties files, the GUID may also be separated by ':' or whitespace. Lines
// starting with '#' or '!' are comments. Later entries replace earlier ones that
// share either the GUID or the identity.
func Parse(log logrus.FieldLogger, r io.Reader) (*Index, error) {
	idx := &Index{
		byIdentity: make(map[string]int64),
		byGUID:     make(map[int64]string),
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}

		key, value, ok := splitEntry(line)
		if !ok {
			return nil, fmt.Errorf("line %d: expected GUID=identity", lineNo)
		}

		guid, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: GUID %q is not numeric", lineNo, strings.TrimSpace(key))
		}

		identity := strings.TrimSpace(value)
		if identity == "" {
			return nil, fmt.Errorf("line %d: missing identity for GUID %d", lineNo, guid)
		}

		idx.add(log, guid, identity)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	return idx, nil
}

// splitEntry splits a line at the first '=', ':' or whitespace. Identities are base64
// and may contain '=', GUIDs never do.
func splitEntry(line string) (string, string, bool) {
	sep := strings.IndexAny(line, "=: \t\f")
	if sep < 0 {
		return "", "", false
	}

	key, value := line[:sep], line[sep+1:]

	// "GUID = identity": whitespace may be followed by the real separator.
	if c := line[sep]; c == ' ' || c == '\t' || c == '\f' {
		value = strings.TrimLeft(value, " \t\f")
		if value != "" && (value[0] == '=' || value[0] == ':') {
			value = value[1:]
		}
	}

	return key, value, true
}

func (i *Index) add(log logrus.FieldLogger, guid int64, identity string) {
	if prev, ok := i.byGUID[guid]; ok && prev != identity {
		log.WithFields(logrus.Fields{
			"guid":     guid,
			"previous": prev,
			"identity": identity,
		}).Warn("GUID declared twice in roster, keeping the last entry")
		delete(i.byIdentity, prev)
	}

	if prev, ok := i.byIdentity[identity]; ok && prev != guid {
		log.WithFields(logrus.Fields{
			"identity": identity,
			"previous": prev,
			"guid":     guid,
		}).Warn("Identity declared twice in roster, keeping the last entry")
		delete(i.byGUID, prev)
	}

	i.byIdentity[identity] = guid
	i.byGUID[guid] = identity
}

// Load reads a roster file.
func Load(log logrus.FieldLogger, path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster file: %w", err)
	}
	defer f.Close()

	idx, err := Parse(log, f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse roster file %s: %w", path, err)
	}

	return idx, nil
}

// Store holds the current roster and swaps it atomically on reload.
type Store struct {
	log   logrus.FieldLogger
	path  string
	index atomic.Pointer[Index]
}

// NewStore loads the roster at path.
func NewStore(log logrus.FieldLogger, path string) (*Store, error) {
	s := &Store{
		log:  log.WithField("component", "roster"),
		path: path,
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Reload re-reads the roster file. On failure the current roster stays in use.
func (s *Store) Reload() error {
	idx, err := Load(s.log, s.path)
	if err != nil {
		return err
	}

	s.index.Store(idx)
	s.log.WithFields(logrus.Fields{
		"path":    s.path,
		"players": idx.Len(),
	}).Info("Loaded roster")

	return nil
}

// GUID returns the game GUID registered for a TeamSpeak unique identifier.
func (s *Store) GUID(identity string) (int64, bool) {
	return s.index.Load().GUID(identity)
}

// Index returns the current roster.
func (s *Store) Index() *Index {
	return s.index.Load()
}
