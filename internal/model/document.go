package model

import (
	"encoding/json"
	"fmt"
)

// DocumentType says what is known about a document's existence.
type DocumentType int

const (
	// Invalid documents have no known state.
	Invalid DocumentType = iota
	// Found documents exist and carry data.
	Found
	// NoDocument is a tombstone: the document is known not to exist.
	NoDocument
	// Unknown documents are known to exist but their contents are not,
	// e.g. after a patch was acknowledged for a document never read.
	Unknown
)

func (t DocumentType) String() string {
	switch t {
	case Found:
		return "found"
	case NoDocument:
		return "no_document"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// DocumentState tracks whether local writes are reflected in a document.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

// Document is a mutable snapshot of one document. Converters modify the
// receiver in place and return it for chaining; use Clone before handing a
// document to code that may keep it.
type Document struct {
	key        DocumentKey
	typ        DocumentType
	version    SnapshotVersion
	readTime   SnapshotVersion
	createTime SnapshotVersion
	data       *ObjectValue
	state      DocumentState
}

// NewInvalidDocument returns a document with no known state.
func NewInvalidDocument(key DocumentKey) *Document {
	return &Document{key: key, data: NewObjectValue()}
}

// NewFoundDocument returns an existing document at version.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data *ObjectValue) *Document {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument returns a tombstone at version.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument returns a document with unknown contents at version.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument turns d into an existing document with data.
func (d *Document) ConvertToFoundDocument(version SnapshotVersion, data *ObjectValue) *Document {
	// A document becoming visible again takes the transition version as its
	// best known create time.
	if d.createTime.IsMin() && (d.typ == Invalid || d.typ == NoDocument) {
		d.createTime = version
	}
	d.version = version
	d.typ = Found
	d.data = data
	d.state = Synced
	return d
}

// ConvertToNoDocument turns d into a tombstone.
func (d *Document) ConvertToNoDocument(version SnapshotVersion) *Document {
	d.version = version
	d.typ = NoDocument
	d.data = NewObjectValue()
	d.state = Synced
	return d
}

// ConvertToUnknownDocument marks d as existing with unknown contents.
func (d *Document) ConvertToUnknownDocument(version SnapshotVersion) *Document {
	d.version = version
	d.typ = Unknown
	d.data = NewObjectValue()
	d.state = HasCommittedMutations
	return d
}

// SetHasCommittedMutations marks d as reflecting an acknowledged write that
// the watch stream has not confirmed yet.
func (d *Document) SetHasCommittedMutations() *Document {
	d.state = HasCommittedMutations
	return d
}

// SetHasLocalMutations marks d as reflecting unacknowledged writes. Such
// documents always carry the minimum version.
func (d *Document) SetHasLocalMutations() *Document {
	d.state = HasLocalMutations
	d.version = MinVersion()
	return d
}

// SetReadTime records when d was read from the server.
func (d *Document) SetReadTime(t SnapshotVersion) *Document {
	d.readTime = t
	return d
}

// SetCreateTime records the server create time.
func (d *Document) SetCreateTime(t SnapshotVersion) *Document {
	d.createTime = t
	return d
}

func (d *Document) Key() DocumentKey { return d.key }
func (d *Document) Type() DocumentType { return d.typ }
func (d *Document) Version() SnapshotVersion { return d.version }
func (d *Document) ReadTime() SnapshotVersion { return d.readTime }
func (d *Document) CreateTime() SnapshotVersion { return d.createTime }
func (d *Document) Data() *ObjectValue { return d.data }
func (d *Document) State() DocumentState { return d.state }

func (d *Document) IsValidDocument() bool { return d.typ != Invalid }
func (d *Document) IsFoundDocument() bool { return d.typ == Found }
func (d *Document) IsNoDocument() bool { return d.typ == NoDocument }
func (d *Document) IsUnknownDocument() bool { return d.typ == Unknown }

func (d *Document) HasLocalMutations() bool { return d.state == HasLocalMutations }
func (d *Document) HasCommittedMutations() bool { return d.state == HasCommittedMutations }
func (d *Document) HasPendingWrites() bool { return d.HasLocalMutations() || d.HasCommittedMutations() }

// Field returns the value at path.
func (d *Document) Field(path FieldPath) (Value, bool) { return d.data.Field(path) }

// Clone returns a deep enough copy that converters on the clone do not
// affect d.
func (d *Document) Clone() *Document {
	c := *d
	c.data = d.data.Clone()
	return &c
}

// Equal compares every observable attribute.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.key == o.key &&
		d.typ == o.typ &&
		d.version == o.version &&
		d.state == o.state &&
		d.data.Equal(o.data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, state=%d, %s)", d.key, d.typ, d.version, d.state, d.data.Value())
}

type jsonDocument struct {
	Key        DocumentKey     `json:"key"`
	Type       DocumentType    `json:"type"`
	Version    SnapshotVersion `json:"version"`
	ReadTime   SnapshotVersion `json:"readTime"`
	CreateTime SnapshotVersion `json:"createTime"`
	State      DocumentState   `json:"state"`
	Data       *ObjectValue    `json:"data,omitempty"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	j := jsonDocument{
		Key:        d.key,
		Type:       d.typ,
		Version:    d.version,
		ReadTime:   d.readTime,
		CreateTime: d.createTime,
		State:      d.state,
	}
	if d.typ == Found {
		j.Data = d.data
	}
	return json.Marshal(j)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var j jsonDocument
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*d = Document{
		key:        j.Key,
		typ:        j.Type,
		version:    j.Version,
		readTime:   j.ReadTime,
		createTime: j.CreateTime,
		state:      j.State,
		data:       j.Data,
	}
	if d.data == nil {
		d.data = NewObjectValue()
	}
	return nil
}
