package mongo

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
)

func TestNormalizeAttrs(t *testing.T) {
	got := normalizeAttrs(map[string]any{
		"a": int32(3),
		"b": int64(4),
		"c": 5,
		"d": "text",
		"e": 1.5,
	})
	for key, want := range map[string]float64{"a": 3, "b": 4, "c": 5} {
		if got[key] != want {
			t.Fatalf("attr %s = %v (%T), want float64 %v", key, got[key], got[key], want)
		}
	}
	if got["d"] != "text" || got["e"] != 1.5 {
		t.Fatalf("non-integer attrs altered: %v", got)
	}
}

func TestNormalizeAttrsDescendsIntoContainers(t *testing.T) {
	got := normalizeAttrs(map[string]any{
		"doc":   bson.M{"n": int32(7), "inner": bson.D{{Key: "m", Value: int64(8)}}},
		"items": bson.A{int32(1), bson.M{"k": int64(2)}, "s"},
	})
	doc, ok := got["doc"].(map[string]any)
	if !ok {
		t.Fatalf("doc = %T, want map", got["doc"])
	}
	if doc["n"] != float64(7) {
		t.Fatalf("doc.n = %v (%T), want float64 7", doc["n"], doc["n"])
	}
	inner, ok := doc["inner"].(map[string]any)
	if !ok || inner["m"] != float64(8) {
		t.Fatalf("doc.inner = %v, want map with float64 8", doc["inner"])
	}
	items, ok := got["items"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("items = %v (%T), want 3-element slice", got["items"], got["items"])
	}
	if items[0] != float64(1) {
		t.Fatalf("items[0] = %v (%T), want float64 1", items[0], items[0])
	}
	nested, ok := items[1].(map[string]any)
	if !ok || nested["k"] != float64(2) {
		t.Fatalf("items[1] = %v, want map with float64 2", items[1])
	}
	if items[2] != "s" {
		t.Fatalf("items[2] = %v, want untouched string", items[2])
	}
}

func TestQueryFilterShapes(t *testing.T) {
	req := resolver.Request{Instance: &instance.Instance{
		FQName: "lab/Project",
		Attrs: map[string]any{
			"name":                 "Apollo",
			instance.AttrPath:      "lab/Project/p1",
			instance.AttrIsDeleted: true,
		},
	}}
	filter, err := queryFilter(req)
	if err != nil {
		t.Fatalf("queryFilter: %v", err)
	}
	if filter["fq_name"] != "lab/Project" {
		t.Fatalf("fq_name = %v", filter["fq_name"])
	}
	if filter["deleted"] != false {
		t.Fatalf("deleted = %v, want false without QueryAll", filter["deleted"])
	}
	if filter["_id"] != "lab/Project/p1" {
		t.Fatalf("_id = %v, want the path filter", filter["_id"])
	}
	if filter["attrs.name"] != "Apollo" {
		t.Fatalf("attrs.name = %v, want Apollo", filter["attrs.name"])
	}
	if _, ok := filter["attrs."+instance.AttrIsDeleted]; ok {
		t.Fatal("deletion marker leaked into the attrs filter")
	}

	req.QueryAll = true
	filter, err = queryFilter(req)
	if err != nil {
		t.Fatalf("queryFilter: %v", err)
	}
	if _, ok := filter["deleted"]; ok {
		t.Fatal("QueryAll should drop the deleted clause")
	}

	req.Instance.Attrs[instance.AttrPath] = 7
	if _, err := queryFilter(req); err == nil {
		t.Fatal("expected error for non-string path filter")
	}
}

func TestQueryFilterUsesStructuredPath(t *testing.T) {
	req := resolver.Request{Instance: &instance.Instance{
		FQName: "lab/Project",
		Attrs:  map[string]any{},
		Path:   path.Root("lab", "Project", "p9"),
	}}
	filter, err := queryFilter(req)
	if err != nil {
		t.Fatalf("queryFilter: %v", err)
	}
	if filter["_id"] != "lab/Project/p9" {
		t.Fatalf("_id = %v, want lab/Project/p9", filter["_id"])
	}
}

func TestToInstance(t *testing.T) {
	doc := &document{
		ID:        "lab/Project/p1",
		FQName:    "lab/Project",
		Attrs:     map[string]any{"id": "p1", "budget": int32(10)},
		Deleted:   true,
		Seq:       3,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	inst, err := toInstance(doc)
	if err != nil {
		t.Fatalf("toInstance: %v", err)
	}
	if inst.Path.Encode() != "lab/Project/p1" || !inst.Deleted {
		t.Fatalf("instance = %+v, want decoded path and deleted flag", inst)
	}
	if inst.Attrs["budget"] != float64(10) {
		t.Fatalf("budget = %v (%T), want float64 10", inst.Attrs["budget"], inst.Attrs["budget"])
	}

	doc.ID = "not-a-path"
	if _, err := toInstance(doc); err == nil {
		t.Fatal("expected error for malformed document id")
	}
}

func TestEncodedPathFallsBackToAttribute(t *testing.T) {
	inst := &instance.Instance{
		FQName: "lab/Project",
		Attrs:  map[string]any{instance.AttrPath: "lab/Project/p2"},
	}
	key, err := encodedPath(inst)
	if err != nil {
		t.Fatalf("encodedPath: %v", err)
	}
	if key != "lab/Project/p2" {
		t.Fatalf("key = %q, want lab/Project/p2", key)
	}

	if _, err := encodedPath(&instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}); err == nil {
		t.Fatal("expected error for pathless instance")
	}
}
