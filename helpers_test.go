package keyfold

import (
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func setup(t testing.TB, opt Options) *Engine {
	t.Helper()

	opt.IsTesting = true
	if opt.FS == nil && (opt.Backend == "" || opt.Backend == BackendPebble) {
		opt.FS = vfs.NewMem()
	}
	e := must(Open("store", opt))
	t.Cleanup(e.Close)
	return e
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func eq[T comparable](t testing.TB, a, e T) {
	if a != e {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func noerr(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func iserr(t testing.TB, err, want error) {
	if !errors.Is(err, want) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, want)
	}
}

func wanterr(t testing.TB, err error) {
	if err == nil {
		t.Helper()
		t.Fatalf("** succeeded, wanted an error")
	}
}

// tkey builds a table key: namespace prefix followed by the in-table key.
func tkey(prefix uint32, suffix string) []byte {
	return appendPrefix(nil, prefix, suffix)
}
