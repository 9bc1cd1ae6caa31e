package regen

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Journal keeps regeneration progress in leveldb so an interrupted run can
// skip the URLs it already captured. Keys:
//
//	d:<kind>:<url>  completed URL of the current run
//	s:<kind>        gob-encoded Summary of the last finished run
type Journal struct {
	db *leveldb.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func doneKey(kind Kind, u string) []byte { return []byte("d:" + string(kind) + ":" + u) }
func donePrefix(kind Kind) []byte       { return []byte("d:" + string(kind) + ":") }
func summaryKey(kind Kind) []byte       { return []byte("s:" + string(kind)) }

// Completed returns the URLs recorded since the last Reset of kind.
func (j *Journal) Completed(kind Kind) (map[string]struct{}, error) {
	prefix := donePrefix(kind)
	it := j.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	out := map[string]struct{}{}
	for it.Next() {
		out[string(bytes.TrimPrefix(it.Key(), prefix))] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Journal) MarkDone(kind Kind, u string) error {
	return j.db.Put(doneKey(kind, u), nil, nil)
}

// Reset forgets the progress of kind.
func (j *Journal) Reset(kind Kind) error {
	it := j.db.NewIterator(util.BytesPrefix(donePrefix(kind)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	return j.db.Write(batch, nil)
}

// Finish stores the summary of a run that reached DONE and drops its progress.
func (j *Journal) Finish(s Summary) error {
	b, err := encodeGob(s)
	if err != nil {
		return err
	}
	if err := j.db.Put(summaryKey(s.Kind), b, nil); err != nil {
		return err
	}
	return j.Reset(s.Kind)
}

func (j *Journal) LastSummary(kind Kind) (Summary, bool, error) {
	b, err := j.db.Get(summaryKey(kind), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	var s Summary
	if err := decodeGob(b, &s); err != nil {
		return Summary{}, false, err
	}
	return s, true, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
