package remote

import (
	"context"
	"fmt"
	"sync"
)

// FakeStore is an in-memory Store for tests. Errors can be scripted
// per call, and inserts deduplicate on the record id exactly like the
// hosted store does.
type FakeStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Record
	scripted    []error
	inserts     int
}

// NewFakeStore creates an empty fake.
func NewFakeStore() *FakeStore {
	return &FakeStore{collections: make(map[string]map[string]Record)}
}

// FailNext scripts errors for the next calls, consumed in order. A nil
// entry lets that call through.
func (f *FakeStore) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted = append(f.scripted, errs...)
}

func (f *FakeStore) nextScriptedLocked() (error, bool) {
	if len(f.scripted) == 0 {
		return nil, false
	}
	err := f.scripted[0]
	f.scripted = f.scripted[1:]
	return err, err != nil
}

func (f *FakeStore) Insert(ctx context.Context, collection string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	if err, fail := f.nextScriptedLocked(); fail {
		return err
	}

	rows, ok := f.collections[collection]
	if !ok {
		rows = make(map[string]Record)
		f.collections[collection] = rows
	}
	id, hasID := record.ID()
	if hasID {
		if _, exists := rows[id]; exists {
			return ErrDuplicate
		}
		rows[id] = record
		return nil
	}
	rows[fmt.Sprintf("anon-%d", len(rows))] = record
	return nil
}

func (f *FakeStore) Select(ctx context.Context, collection string, filter Filter, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, fail := f.nextScriptedLocked(); fail {
		return err
	}

	rows := make([]Record, 0)
	for _, record := range f.collections[collection] {
		if matches(record, filter) {
			rows = append(rows, record)
		}
	}
	if out, ok := dest.(*[]Record); ok {
		*out = rows
	}
	return nil
}

func matches(record Record, filter Filter) bool {
	for column, want := range filter {
		got, ok := record[column].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (f *FakeStore) Update(ctx context.Context, collection, id string, fields Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, fail := f.nextScriptedLocked(); fail {
		return err
	}
	if record, ok := f.collections[collection][id]; ok {
		for k, v := range fields {
			record[k] = v
		}
	}
	return nil
}

func (f *FakeStore) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, fail := f.nextScriptedLocked(); fail {
		return err
	}
	delete(f.collections[collection], id)
	return nil
}

// Rows returns a copy of a collection's records keyed by id.
func (f *FakeStore) Rows(collection string) map[string]Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]Record, len(f.collections[collection]))
	for id, record := range f.collections[collection] {
		out[id] = record
	}
	return out
}

// Inserts reports how many Insert calls were made, including failures.
func (f *FakeStore) Inserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}
