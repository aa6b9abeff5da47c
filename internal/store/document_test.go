package store

import (
	"reflect"
	"testing"
)

func TestQueuedPathsInsertionOrder(t *testing.T) {
	d := NewDocument()
	d.Queue["/z.css"] = PathRecord{Seq: d.NextSeq()}
	d.Queue["/a.js"] = PathRecord{Seq: d.NextSeq()}
	d.Queue["/m.css"] = PathRecord{Seq: d.NextSeq()}

	got := d.QueuedPaths()
	want := []string{"/z.css", "/a.js", "/m.css"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("QueuedPaths() = %v, want %v", got, want)
	}
}

func TestMoveKeepsPathInOneMap(t *testing.T) {
	d := NewDocument()
	d.Queue["/p.css"] = PathRecord{Seq: 1}

	d.Move("/p.css", StatusActive, PathRecord{TTL: 10})
	if s, _ := d.Status("/p.css"); s != StatusActive {
		t.Fatalf("status = %q, want active", s)
	}
	if _, ok := d.Queue["/p.css"]; ok {
		t.Error("path still queued after move")
	}

	d.Move("/p.css", StatusInactive, PathRecord{TTL: 10})
	if _, ok := d.Active["/p.css"]; ok {
		t.Error("path still active after move to inactive")
	}

	if !d.Remove("/p.css") {
		t.Error("Remove should report removal")
	}
	if d.Has("/p.css") {
		t.Error("path present after Remove")
	}
	if d.Remove("/p.css") {
		t.Error("second Remove should report nothing removed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := NewDocument()
	d.Active["/a.css"] = PathRecord{TTL: 1}
	c := d.clone()
	c.Active["/b.css"] = PathRecord{TTL: 2}
	if _, ok := d.Active["/b.css"]; ok {
		t.Error("clone shares maps with original")
	}
}
