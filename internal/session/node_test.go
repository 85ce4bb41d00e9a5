package session

import "testing"

func TestNodePathAndFind(t *testing.T) {
	root := newNode(0, "", KindFolder, nil)
	endpointFolder := newNode(1, "endpoint", KindFolder, root)
	raw := newNode(2, "raw", KindEndpoint, endpointFolder)
	par := newNode(3, "par", KindFolder, raw)
	maxSize := newNode(4, "MaxRawDataSize", KindParameter, par)

	if got, want := maxSize.Path(), "/endpoint/raw/par/MaxRawDataSize"; got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}

	found, ok := root.Find("endpoint/raw/par/MaxRawDataSize")
	if !ok || found != maxSize {
		t.Fatalf("Find() = %v, %v, want %v, true", found, ok, maxSize)
	}

	if _, ok := root.Find("endpoint/nonexistent"); ok {
		t.Fatalf("expected Find() to fail on an unknown segment")
	}
}

func TestNodeWalkVisitsEveryDescendant(t *testing.T) {
	root := newNode(0, "", KindFolder, nil)
	newNode(1, "a", KindFolder, root)
	b := newNode(2, "b", KindFolder, root)
	newNode(3, "c", KindParameter, b)

	var names []string
	root.Walk(func(n *Node) { names = append(names, n.Name) })

	if got, want := len(names), 4; got != want {
		t.Fatalf("visited %d nodes, want %d", got, want)
	}
}

func TestNodeChild(t *testing.T) {
	root := newNode(0, "", KindFolder, nil)
	newNode(1, "par", KindFolder, root)

	if _, ok := root.Child("par"); !ok {
		t.Fatalf("expected to find child %q", "par")
	}
	if _, ok := root.Child("missing"); ok {
		t.Fatalf("expected not to find child %q", "missing")
	}
}
