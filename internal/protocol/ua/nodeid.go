package ua

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// IDType tags the identifier carried by a NodeID.
type IDType uint8

const (
	IDTypeNumeric IDType = iota
	IDTypeString
	IDTypeGUID
	IDTypeOpaque
)

// NodeID identifies a node within a namespace.
type NodeID struct {
	Namespace uint16
	Type      IDType
	Numeric   uint32
	Text      string
	GUID      uuid.UUID
	Opaque    []byte
}

func NewNumericNodeID(ns uint16, id uint32) NodeID {
	return NodeID{Namespace: ns, Type: IDTypeNumeric, Numeric: id}
}

func NewStringNodeID(ns uint16, id string) NodeID {
	return NodeID{Namespace: ns, Type: IDTypeString, Text: id}
}

func NewGUIDNodeID(ns uint16, id uuid.UUID) NodeID {
	return NodeID{Namespace: ns, Type: IDTypeGUID, GUID: id}
}

func NewOpaqueNodeID(ns uint16, id []byte) NodeID {
	return NodeID{Namespace: ns, Type: IDTypeOpaque, Opaque: id}
}

// IsNull reports whether n is the null NodeID (ns=0;i=0).
func (n NodeID) IsNull() bool {
	return n.Namespace == 0 && n.Type == IDTypeNumeric && n.Numeric == 0
}

// Equal compares two NodeIDs by namespace and identifier.
func (n NodeID) Equal(o NodeID) bool {
	if n.Namespace != o.Namespace || n.Type != o.Type {
		return false
	}
	switch n.Type {
	case IDTypeNumeric:
		return n.Numeric == o.Numeric
	case IDTypeString:
		return n.Text == o.Text
	case IDTypeGUID:
		return n.GUID == o.GUID
	case IDTypeOpaque:
		return bytes.Equal(n.Opaque, o.Opaque)
	}
	return false
}

// String renders the standard text form, e.g. "ns=1;i=42".
func (n NodeID) String() string {
	prefix := ""
	if n.Namespace != 0 {
		prefix = "ns=" + strconv.Itoa(int(n.Namespace)) + ";"
	}
	switch n.Type {
	case IDTypeString:
		return prefix + "s=" + n.Text
	case IDTypeGUID:
		return prefix + "g=" + n.GUID.String()
	case IDTypeOpaque:
		return prefix + "b=" + base64.StdEncoding.EncodeToString(n.Opaque)
	default:
		return prefix + "i=" + strconv.FormatUint(uint64(n.Numeric), 10)
	}
}

// ExpandedNodeID is a NodeID that may name its namespace by URI and live on
// another server.
type ExpandedNodeID struct {
	NodeID
	NamespaceURI string
	ServerIndex  uint32
}

func NewExpandedNodeID(id NodeID) ExpandedNodeID {
	return ExpandedNodeID{NodeID: id}
}

func (e ExpandedNodeID) Equal(o ExpandedNodeID) bool {
	return e.NodeID.Equal(o.NodeID) && e.NamespaceURI == o.NamespaceURI && e.ServerIndex == o.ServerIndex
}

func (e ExpandedNodeID) String() string {
	out := ""
	if e.ServerIndex != 0 {
		out = "svr=" + strconv.FormatUint(uint64(e.ServerIndex), 10) + ";"
	}
	if e.NamespaceURI != "" {
		id := e.NodeID
		id.Namespace = 0
		return out + "nsu=" + e.NamespaceURI + ";" + id.String()
	}
	return out + e.NodeID.String()
}

// ToNodeID resolves the namespace URI through table. Expanded ids that point
// at another server cannot be resolved locally.
func (e ExpandedNodeID) ToNodeID(table *NamespaceTable) (NodeID, error) {
	if e.ServerIndex != 0 {
		return NodeID{}, fmt.Errorf("ua: expanded node id %s is remote (server index %d)", e, e.ServerIndex)
	}
	id := e.NodeID
	if e.NamespaceURI == "" {
		return id, nil
	}
	idx, ok := table.Index(e.NamespaceURI)
	if !ok {
		return NodeID{}, fmt.Errorf("ua: namespace %q not in table", e.NamespaceURI)
	}
	id.Namespace = idx
	return id, nil
}
