package ua

import "sync"

// NamespaceURI0 is always index 0 of every namespace table.
const NamespaceURI0 = "http://opcfoundation.org/UA/"

// NamespaceTable is a bidirectional index<->URI mapping. It is read-mostly and
// safe for concurrent use.
type NamespaceTable struct {
	uriTable
}

// NewNamespaceTable returns a table seeded with the OPC UA base namespace
// followed by uris.
func NewNamespaceTable(uris ...string) *NamespaceTable {
	t := &NamespaceTable{}
	t.init(append([]string{NamespaceURI0}, uris...))
	return t
}

// ServerTable maps server indices to server URIs.
type ServerTable struct {
	uriTable
}

// NewServerTable returns a table whose index 0 is the local server uri.
func NewServerTable(localServerURI string, others ...string) *ServerTable {
	t := &ServerTable{}
	t.init(append([]string{localServerURI}, others...))
	return t
}

type uriTable struct {
	mu      sync.RWMutex
	uris    []string
	indices map[string]uint16
}

func (t *uriTable) init(uris []string) {
	t.uris = make([]string, 0, len(uris))
	t.indices = make(map[string]uint16, len(uris))
	for _, u := range uris {
		t.appendLocked(u)
	}
}

func (t *uriTable) appendLocked(uri string) uint16 {
	if idx, ok := t.indices[uri]; ok {
		return idx
	}
	idx := uint16(len(t.uris))
	t.uris = append(t.uris, uri)
	t.indices[uri] = idx
	return idx
}

// Add appends uri if it is not present and returns its index.
func (t *uriTable) Add(uri string) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(uri)
}

func (t *uriTable) URI(idx uint16) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.uris) {
		return "", false
	}
	return t.uris[idx], true
}

func (t *uriTable) Index(uri string) (uint16, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.indices[uri]
	return idx, ok
}

func (t *uriTable) URIs() []string {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.uris))
	copy(out, t.uris)
	return out
}

func (t *uriTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.uris)
}

// TranslateNamespace maps a namespace index from one table to another through
// the shared uri. ok is false when either side does not know the namespace.
func TranslateNamespace(idx uint16, from, to *NamespaceTable) (uint16, bool) {
	if from == nil || to == nil || from == to {
		return idx, true
	}
	uri, ok := from.URI(idx)
	if !ok {
		return 0, false
	}
	return to.Index(uri)
}
