package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/wire"
)

type evenFilter struct{}

func (evenFilter) Filter(sample map[string]wire.Value, _ map[string]any) (bool, error) {
	return sample["id"].Int%2 == 0, nil
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRegistryLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "even.mod", "even filter v1")

	loader := StaticLoader{ByPath: map[string][]*Registration{
		path: {{Category: CategoryFilter, Name: "even", Filter: evenFilter{}}},
	}}
	r := New(dir, loader)
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}

	f, err := r.Filter("even")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.Filter(map[string]wire.Value{"id": wire.Int(4)}, nil)
	if err != nil || !ok {
		t.Fatalf("Filter(4) = (%v, %v), want (true, nil)", ok, err)
	}

	if _, err := r.Filter("odd"); err == nil {
		t.Fatal("expected UnknownRegistryItem for missing name")
	} else if _, ok := err.(*cos.ErrUnknownRegistryItem); !ok {
		t.Fatalf("got %T, want *cos.ErrUnknownRegistryItem", err)
	}
}

func TestRegistryUnchangedFileSkipsReload(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "x.mod", "same content")

	calls := 0
	loader := countingLoader{fn: func(string) ([]*Registration, error) {
		calls++
		return nil, nil
	}}
	r := New(dir, loader)
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.loadFile(path); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1 for an unchanged file", calls)
	}
}

func TestDefaultCollaterStacksColumns(t *testing.T) {
	r := New(t.TempDir(), StaticLoader{})
	c, err := r.Collater("")
	if err != nil {
		t.Fatal(err)
	}
	batch, err := c.Collate([]map[string]wire.Value{
		{"id": wire.Int(1)},
		{"id": wire.Int(2)},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids := batch.Columns["id"]
	if ids.Kind != wire.KindList || len(ids.List) != 2 {
		t.Fatalf("id column = %+v, want a 2-element list", ids)
	}
}

type countingLoader struct {
	fn func(string) ([]*Registration, error)
}

func (c countingLoader) Load(path string) ([]*Registration, error) { return c.fn(path) }
