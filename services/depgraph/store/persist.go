// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	n/<8-byte big-endian node id>  -> JSON Node
//	e/<8-byte big-endian edge id>  -> JSON Edge
//	m/<name>                       -> raw metadata blob
//
// Big-endian IDs make prefix iteration return records in ID order, which
// load() relies on to rebuild the dense arena.
var (
	nodePrefix = []byte("n/")
	edgePrefix = []byte("e/")
	metaPrefix = []byte("m/")
)

func idKey(prefix []byte, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

func idFromKey(prefix, key []byte) (int64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("%w: malformed key %q", ErrCorrupt, key)
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix):])), nil
}

func metaKey(name string) []byte {
	return append(append([]byte(nil), metaPrefix...), name...)
}

// persist writes every record touched by tx in one badger transaction.
// Caller holds the writer lock.
func (s *Store) persist(ctx context.Context, tx *Tx) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for idx := range tx.nodes {
			n := s.nodes[idx]
			data, err := json.Marshal(n)
			if err != nil {
				return opError("encode_node", n.Identifier, err)
			}
			if err := txn.Set(idKey(nodePrefix, n.ID), data); err != nil {
				return opError("write_node", n.Identifier, err)
			}
		}
		for idx := range tx.edges {
			e := s.edges[idx]
			data, err := json.Marshal(e)
			if err != nil {
				return opError("encode_edge", edgeKey{e.FromNodeID, e.ToNodeID, e.Type}.String(), err)
			}
			if err := txn.Set(idKey(edgePrefix, e.ID), data); err != nil {
				return opError("write_edge", edgeKey{e.FromNodeID, e.ToNodeID, e.Type}.String(), err)
			}
		}
		for name := range tx.meta {
			if err := txn.Set(metaKey(name), s.meta[name]); err != nil {
				return opError("write_meta", name, err)
			}
		}
		return nil
	})
}

// load rebuilds the arena and indexes from the database.
func (s *Store) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.ScanPrefix(ctx, nodePrefix, func(key, value []byte) error {
		id, err := idFromKey(nodePrefix, key)
		if err != nil {
			return err
		}
		var n Node
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("%w: decode node %d: %v", ErrCorrupt, id, err)
		}
		if n.ID != id || id != int64(len(s.nodes)+1) {
			return fmt.Errorf("%w: node id %d out of sequence", ErrCorrupt, id)
		}
		if _, dup := s.byIdentifier[n.Identifier]; dup {
			return fmt.Errorf("%w: duplicate identifier %s", ErrCorrupt, n.Identifier)
		}
		s.byIdentifier[n.Identifier] = len(s.nodes)
		s.nodes = append(s.nodes, n)
		s.out = append(s.out, nil)
		s.in = append(s.in, nil)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.db.ScanPrefix(ctx, edgePrefix, func(key, value []byte) error {
		id, err := idFromKey(edgePrefix, key)
		if err != nil {
			return err
		}
		var e Edge
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("%w: decode edge %d: %v", ErrCorrupt, id, err)
		}
		if e.ID != id || id != int64(len(s.edges)+1) {
			return fmt.Errorf("%w: edge id %d out of sequence", ErrCorrupt, id)
		}
		fromIdx, ok := s.nodeIndex(e.FromNodeID)
		if !ok {
			return fmt.Errorf("%w: edge %d references missing node %d", ErrCorrupt, id, e.FromNodeID)
		}
		toIdx, ok := s.nodeIndex(e.ToNodeID)
		if !ok {
			return fmt.Errorf("%w: edge %d references missing node %d", ErrCorrupt, id, e.ToNodeID)
		}
		idx := len(s.edges)
		s.byKey[edgeKey{from: e.FromNodeID, to: e.ToNodeID, typ: e.Type}] = idx
		s.edges = append(s.edges, e)
		s.out[fromIdx] = append(s.out[fromIdx], idx)
		s.in[toIdx] = append(s.in[toIdx], idx)
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.ScanPrefix(ctx, metaPrefix, func(key, value []byte) error {
		s.meta[string(key[len(metaPrefix):])] = append([]byte(nil), value...)
		return nil
	})
}
