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
	"encoding/json"
	"fmt"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/storage/badger"
)

func openDB(t *testing.T, dir string) *badger.DB {
	t.Helper()
	cfg := badger.DefaultConfig(dir)
	cfg.GCInterval = 0
	db, err := badger.Open(cfg)
	require.NoError(t, err)
	return db
}

func TestStore_ReopenAndContinue(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openDB(t, dir)
	s, err := Open(ctx, WithDB(db))
	require.NoError(t, err)

	stubID := mustUpsertNode(t, s, fileNode("/p/a.ts", false))
	bID := mustUpsertNode(t, s, fileNode("/p/b.ts", true))
	edgeID, err := s.UpsertEdge(ctx, bID, stubID, EdgeTypeImports, EdgeAttrs{
		Metadata: EdgeMetadata{ImportStatement: "import './a'", Line: 1},
	})
	require.NoError(t, err)
	require.NoError(t, s.PutMeta(ctx, "namespaces", []byte(`[{"name":"source"}]`)))
	require.NoError(t, s.Close())
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	defer db.Close()
	reopened, err := Open(ctx, WithDB(db))
	require.NoError(t, err)

	assert.Equal(t, 2, reopened.NodeCount())
	assert.Equal(t, 1, reopened.EdgeCount())

	a, ok := reopened.NodeByIdentifier("/p/a.ts")
	require.True(t, ok)
	assert.Equal(t, stubID, a.ID)
	assert.False(t, a.Metadata.Exists)

	edge, ok := reopened.GetEdge(edgeID)
	require.True(t, ok)
	assert.Equal(t, "import './a'", edge.Metadata.ImportStatement)

	meta, ok := reopened.GetMeta("namespaces")
	require.True(t, ok)
	assert.JSONEq(t, `[{"name":"source"}]`, string(meta))

	// Promotion after restart reuses the persisted ID.
	id := mustUpsertNode(t, reopened, fileNode("/p/a.ts", true))
	assert.Equal(t, stubID, id)
	cID := mustUpsertNode(t, reopened, fileNode("/p/c.ts", true))
	assert.Equal(t, int64(3), cID)

	sameEdge, err := reopened.UpsertEdge(ctx, bID, stubID, EdgeTypeImports, EdgeAttrs{})
	require.NoError(t, err)
	assert.Equal(t, edgeID, sameEdge)
	assert.Equal(t, 1, reopened.EdgeCount())

	deps, err := reopened.FindNodeDependents(ctx, stubID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/b.ts"}, identifiers(deps))
}

func TestStore_FailedUpdateIsNotPersisted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openDB(t, dir)
	s, err := Open(ctx, WithDB(db))
	require.NoError(t, err)

	err = s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertNode(fileNode("/p/a.ts", true)); err != nil {
			return err
		}
		_, err := tx.UpsertEdge(1, 99, EdgeTypeImports, EdgeAttrs{})
		return err
	})
	require.ErrorIs(t, err, ErrNodeNotFound)
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	defer db.Close()
	reopened, err := Open(ctx, WithDB(db))
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.NodeCount())
}

// openSmallDB opens a database whose commits are capped near 157 KiB or
// 1638 entries, so bulk writes overflow one transaction quickly.
func openSmallDB(t *testing.T, dir string) *badger.DB {
	t.Helper()
	cfg := badger.DefaultConfig(dir)
	cfg.GCInterval = 0
	cfg.SyncWrites = false
	cfg.MemTableSize = 1 << 20
	db, err := badger.Open(cfg)
	require.NoError(t, err)
	return db
}

func TestStore_OversizedCommitIsTxTooLarge(t *testing.T) {
	ctx := context.Background()
	db := openSmallDB(t, t.TempDir())
	defer db.Close()
	s, err := Open(ctx, WithDB(db))
	require.NoError(t, err)

	err = s.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 2500; i++ {
			if _, err := tx.UpsertNode(fileNode(fmt.Sprintf("/p/src/f%05d.ts", i), true)); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, ErrTxTooLarge)
	assert.Equal(t, 0, s.NodeCount(), "rejected commit must roll back memory")
}

func TestStore_TxFullSplitsBulkWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openSmallDB(t, dir)
	s, err := Open(ctx, WithDB(db), WithMaxTxRecords(200))
	require.NoError(t, err)

	commits := 0
	next := 0
	for next < 2500 {
		commits++
		err := s.Update(ctx, func(tx *Tx) error {
			for ; next < 2500 && !tx.Full(); next++ {
				if _, err := tx.UpsertNode(fileNode(fmt.Sprintf("/p/src/f%05d.ts", next), true)); err != nil {
					return err
				}
			}
			assert.LessOrEqual(t, tx.Records(), 200)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 13, commits)
	require.NoError(t, db.Close())

	db = openSmallDB(t, dir)
	defer db.Close()
	reopened, err := Open(ctx, WithDB(db))
	require.NoError(t, err)
	assert.Equal(t, 2500, reopened.NodeCount())
}

func TestStore_Open_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	db, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	dangling, err := json.Marshal(Edge{ID: 1, FromNodeID: 1, ToNodeID: 2, Type: EdgeTypeImports})
	require.NoError(t, err)
	node, err := json.Marshal(Node{ID: 1, Identifier: "/p/a.ts", Type: NodeTypeFile})
	require.NoError(t, err)

	err = db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(idKey(nodePrefix, 1), node); err != nil {
			return err
		}
		return txn.Set(idKey(edgePrefix, 1), dangling)
	})
	require.NoError(t, err)

	_, err = Open(ctx, WithDB(db))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "open", opErr.Op)
}

func TestIDKey_RoundTrip(t *testing.T) {
	key := idKey(nodePrefix, 258)
	id, err := idFromKey(nodePrefix, key)
	require.NoError(t, err)
	assert.Equal(t, int64(258), id)

	_, err = idFromKey(nodePrefix, []byte("n/short"))
	assert.ErrorIs(t, err, ErrCorrupt)
}
