package storage

import (
	"context"
	"time"

	"github.com/keshon/chorus/datastore"
	"github.com/keshon/chorus/internal/logging"
)

// File keeps every document in one JSON file flushed in the background.
type File struct {
	ds *datastore.DataStore
}

// NewFile opens (or creates) the JSON file at path.
func NewFile(path string, autoSave time.Duration) (*File, error) {
	cfg := datastore.DefaultConfig(path)
	cfg.AutoSaveInterval = autoSave
	cfg.Logger = logging.Component("datastore")
	ds, err := datastore.NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &File{ds: ds}, nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	doc, ok := f.ds.Get(key)
	return doc, ok, nil
}

// Put stores the document in memory and flushes the file right away, so
// a successful Put survives a crash.
func (f *File) Put(_ context.Context, key string, doc []byte) error {
	if err := f.ds.Put(key, doc); err != nil {
		return err
	}
	return f.ds.SaveToFile()
}

func (f *File) Delete(_ context.Context, key string) error {
	f.ds.Delete(key)
	return f.ds.SaveToFile()
}

func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	return f.ds.Keys(prefix), nil
}

// Stats reports document count and in-memory size.
func (f *File) Stats() map[string]any {
	return f.ds.Stats()
}

func (f *File) Close() error {
	return f.ds.Close()
}
