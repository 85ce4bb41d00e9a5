package decode

import (
	"fmt"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// fakeCommander is a minimal session.Commander double: it answers every
// query from a path->value map, and errors on anything missing.
type fakeCommander struct {
	values map[string]string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{values: make(map[string]string)}
}

func (f *fakeCommander) set(path, value string) { f.values[path] = value }

func (f *fakeCommander) GetValue(path string) (string, error) {
	v, ok := f.values[path]
	if !ok {
		return "", dig2err.New(dig2err.CommandError, "fakeCommander.GetValue", fmt.Sprintf("no such path: %s", path))
	}
	return v, nil
}

func (f *fakeCommander) MultiGetValue(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		v, err := f.GetValue(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeCommander) SetValue(path, value string) error {
	f.values[path] = value
	return nil
}
