package env

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// docHeader is decoded first from every document to read its type
// discriminator: a small probe struct ahead of the full typed decode,
// so a stream may carry heterogeneous documents.
type docHeader struct {
	Type    string `yaml:"type"`
	Version uint16 `yaml:"version"`
}

// DocumentSet holds the parsed documents from one multi-document YAML
// stream, grouped by kind. Multiple storage/nodes/cannon documents in
// one stream are concatenated in encounter order, so a single
// environment-prepare request can carry several documents.
type DocumentSet struct {
	Storage []StorageDocument
	Nodes   []NodesDocument
	Cannons []CannonDocument
}

// ParseDocuments decodes a `---`-separated YAML stream into a
// DocumentSet, dispatching on each document's `type` field.
func ParseDocuments(r io.Reader) (DocumentSet, error) {
	dec := yaml.NewDecoder(r)
	var set DocumentSet

	for i := 0; ; i++ {
		var raw yaml.Node
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return DocumentSet{}, fmt.Errorf("env: parse document %d: %w", i, err)
		}

		var hdr docHeader
		if err := raw.Decode(&hdr); err != nil {
			return DocumentSet{}, fmt.Errorf("env: parse document %d header: %w", i, err)
		}

		switch hdr.Type {
		case "storage":
			var doc StorageDocument
			if err := raw.Decode(&doc); err != nil {
				return DocumentSet{}, fmt.Errorf("env: parse storage document %d: %w", i, err)
			}
			set.Storage = append(set.Storage, doc)
		case "nodes":
			var doc NodesDocument
			if err := raw.Decode(&doc); err != nil {
				return DocumentSet{}, fmt.Errorf("env: parse nodes document %d: %w", i, err)
			}
			set.Nodes = append(set.Nodes, doc)
		case "cannon":
			var doc CannonDocument
			if err := raw.Decode(&doc); err != nil {
				return DocumentSet{}, fmt.Errorf("env: parse cannon document %d: %w", i, err)
			}
			set.Cannons = append(set.Cannons, doc)
		default:
			return DocumentSet{}, fmt.Errorf("env: document %d: unknown type %q", i, hdr.Type)
		}
	}

	return set, nil
}

// ParseDocumentBytes is a convenience wrapper over ParseDocuments for
// callers holding the whole stream in memory (operator HTTP bodies).
func ParseDocumentBytes(data []byte) (DocumentSet, error) {
	return ParseDocuments(bytes.NewReader(data))
}
