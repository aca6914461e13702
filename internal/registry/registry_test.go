package registry

import (
	"context"
	"testing"

	"tddb/internal/lock"
	"tddb/internal/owner"
	"tddb/internal/parser"
	"tddb/internal/parser/kidl"
	"tddb/internal/storage/memkv"
)

func newTestCore() *Core {
	store := memkv.NewMemoryStore()
	locks := lock.NewManager()
	admins := owner.StaticAdmins{"admin": true}
	owners := owner.New(store, admins)
	parsers := ParserConfig{Source: parser.Internal, Internal: kidl.New()}
	return New(store, locks, owners, parsers, nil)
}

func registerModule(t *testing.T, c *Core, module, user string) {
	t.Helper()
	ctx := context.Background()
	if err := c.RequestModuleRegistration(ctx, module, user); err != nil {
		t.Fatalf("RequestModuleRegistration: %v", err)
	}
	if err := c.ApproveModuleRegistrationRequest(ctx, module, "admin"); err != nil {
		t.Fatalf("ApproveModuleRegistrationRequest: %v", err)
	}
}

// Scenario 1: register new module.
func TestScenario_RegisterNewModule(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	mv, err := c.GetModuleInfo(ctx, "ModA", "U1", 0)
	if err != nil {
		t.Fatalf("GetModuleInfo: %v", err)
	}
	if !mv.Released {
		t.Fatalf("bootstrap version should be released")
	}
	if len(mv.Types) != 0 || len(mv.Funcs) != 0 {
		t.Fatalf("bootstrap version should be empty, got %+v", mv)
	}

	owners, err := c.GetOwners(ctx, "ModA")
	if err != nil {
		t.Fatalf("GetOwners: %v", err)
	}
	if len(owners) != 1 || owners[0].UserID != "U1" || !owners[0].ChangeOwnersAllowed {
		t.Fatalf("expected sole owner U1 with change-owners, got %+v", owners)
	}
}

// Scenario 2: initial type save.
func TestScenario_InitialTypeSave(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	res, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module: "ModA", UserID: "U1",
		SpecDocument: "module ModA { typedef int T; };",
		AddedTypes:   []string{"T"},
	})
	if rerr != nil {
		t.Fatalf("SaveModule: %v", rerr)
	}
	if res.Types["T"] != "0.1" {
		t.Fatalf("expected T@0.1, got %q", res.Types["T"])
	}

	doc, derr := c.GetSchemaDocument(ctx, "ModA", "T", "0.1")
	if derr != nil {
		t.Fatalf("GetSchemaDocument: %v", derr)
	}
	if len(doc) == 0 {
		t.Fatalf("expected non-empty schema document")
	}

	dep, ref, gerr := c.GetRefs(ctx, "ModA", "T", "0.1", false)
	if gerr != nil {
		t.Fatalf("GetRefs: %v", gerr)
	}
	if len(dep) != 0 || len(ref) != 0 {
		t.Fatalf("expected zero refs for a scalar type, got dep=%v ref=%v", dep, ref)
	}
}

// Upload provenance (spec.md §3, §4.4): uploader id, upload method tag and
// upload comment must round-trip onto the committed ModuleVersion.
func TestSaveModule_RecordsUploadProvenance(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	if _, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module:        "ModA",
		UserID:        "U1",
		SpecDocument:  "module ModA { typedef int T; };",
		AddedTypes:    []string{"T"},
		UploadMethod:  "rest",
		UploadComment: "initial type",
	}); rerr != nil {
		t.Fatalf("SaveModule: %v", rerr)
	}

	mv, gerr := c.GetModuleInfo(ctx, "ModA", "U1", 0)
	if gerr != nil {
		t.Fatalf("GetModuleInfo: %v", gerr)
	}
	if mv.UploaderID != "U1" {
		t.Fatalf("expected UploaderID %q, got %q", "U1", mv.UploaderID)
	}
	if mv.UploadMethod != "rest" {
		t.Fatalf("expected UploadMethod %q, got %q", "rest", mv.UploadMethod)
	}
	if mv.UploadComment != "initial type" {
		t.Fatalf("expected UploadComment %q, got %q", "initial type", mv.UploadComment)
	}
}

// Scenarios 3-5: backward-compatible change, incompatible change pre-release,
// release then incompatible.
func TestScenario_VersionProgression(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	res, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module: "ModA", UserID: "U1",
		SpecDocument: "module ModA { typedef int T; };",
		AddedTypes:   []string{"T"},
	})
	if rerr != nil {
		t.Fatalf("initial save: %v", rerr)
	}
	if res.Types["T"] != "0.1" {
		t.Fatalf("expected T@0.1, got %q", res.Types["T"])
	}

	res, rerr = c.SaveModule(ctx, SaveModuleRequest{
		Module:       "ModA",
		UserID:       "U1",
		SpecDocument: "module ModA { typedef structure { int x; optional int y; } T; };",
	})
	if rerr != nil {
		t.Fatalf("struct save: %v", rerr)
	}
	if res.Types["T"] != "0.2" {
		t.Fatalf("expected T@0.2, got %q", res.Types["T"])
	}

	res, rerr = c.SaveModule(ctx, SaveModuleRequest{
		Module:       "ModA",
		UserID:       "U1",
		SpecDocument: "module ModA { typedef structure { optional int y; } T; };",
	})
	if rerr != nil {
		t.Fatalf("remove-field save: %v", rerr)
	}
	if res.Types["T"] != "0.3" {
		t.Fatalf("expected T@0.3 (still minor, major==0), got %q", res.Types["T"])
	}

	if rerr := c.ReleaseModule(ctx, "ModA", "U1"); rerr != nil {
		t.Fatalf("ReleaseModule: %v", rerr)
	}
	mv, gerr := c.GetModuleInfo(ctx, "ModA", "U1", 0)
	if gerr != nil {
		t.Fatalf("GetModuleInfo after release: %v", gerr)
	}
	if mv.Types["T"].TypeVersion != "1.0" {
		t.Fatalf("expected T@1.0 after release, got %q", mv.Types["T"].TypeVersion)
	}

	res, rerr = c.SaveModule(ctx, SaveModuleRequest{
		Module:       "ModA",
		UserID:       "U1",
		SpecDocument: "module ModA { typedef structure { int z; } T; };",
	})
	if rerr != nil {
		t.Fatalf("post-release incompatible save: %v", rerr)
	}
	if res.Types["T"] != "2.0" {
		t.Fatalf("expected T@2.0 after release+incompatible change, got %q", res.Types["T"])
	}
}

// Scenario 6: no-op save.
func TestScenario_NoOpSaveFails(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	spec := "module ModA { typedef int T; };"
	if _, rerr := c.SaveModule(ctx, SaveModuleRequest{Module: "ModA", UserID: "U1", SpecDocument: spec, AddedTypes: []string{"T"}}); rerr != nil {
		t.Fatalf("initial save: %v", rerr)
	}
	_, rerr := c.SaveModule(ctx, SaveModuleRequest{Module: "ModA", UserID: "U1", SpecDocument: spec})
	if rerr == nil {
		t.Fatalf("expected no-op save to fail")
	}
	if rerr.Kind != KindSpecParseError {
		t.Fatalf("expected SpecParseError, got %v", rerr.Kind)
	}
}

// Invariant 4: concurrent saveModule calls on the same module produce
// distinct versionTime values.
func TestInvariant_ConcurrentSavesProduceDistinctVersions(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	if _, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module: "ModA", UserID: "U1",
		SpecDocument: "module ModA { typedef int T; };",
		AddedTypes:   []string{"T"},
	}); rerr != nil {
		t.Fatalf("initial save: %v", rerr)
	}

	const n = 8
	results := make(chan int64, n)
	errs := make(chan *Error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			res, rerr := c.SaveModule(ctx, SaveModuleRequest{
				Module:       "ModA",
				UserID:       "U1",
				SpecDocument: "module ModA { typedef int T; funcdef int noop(int p); };",
				UploadComment: string(rune('a' + i)),
			})
			if rerr != nil {
				errs <- rerr
				results <- -1
				return
			}
			results <- res.VersionTime
			errs <- nil
		}()
	}

	seen := map[int64]bool{}
	successCount := 0
	for i := 0; i < n; i++ {
		vt := <-results
		rerr := <-errs
		if rerr != nil {
			continue // a racing no-op/identical save is expected to fail sometimes
		}
		successCount++
		if seen[vt] {
			t.Fatalf("duplicate versionTime %d across concurrent saves", vt)
		}
		seen[vt] = true
	}
	if successCount == 0 {
		t.Fatalf("expected at least one concurrent save to succeed")
	}
}

// Invariant 6 (rollback leaves no trace): a save that fails during
// reference extraction (here, a registered type referring to a
// nonexistent included module) must leave the module's committed state
// untouched.
func TestInvariant_FailedSaveLeavesNoPartialState(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	_, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module:       "ModA",
		UserID:       "U1",
		SpecDocument: "module ModA { typedef Missing.Other T; };",
		AddedTypes:   []string{"T"},
	})
	if rerr == nil {
		t.Fatalf("expected save referencing an unresolvable include to fail")
	}

	mv, gerr := c.GetModuleInfo(ctx, "ModA", "U1", 0)
	if gerr != nil {
		t.Fatalf("GetModuleInfo: %v", gerr)
	}
	if len(mv.Types) != 0 {
		t.Fatalf("expected no types committed after a failed save, got %+v", mv.Types)
	}
}

func TestResolveType_ByMajorOnly(t *testing.T) {
	c := newTestCore()
	ctx := context.Background()
	registerModule(t, c, "ModA", "U1")

	if _, rerr := c.SaveModule(ctx, SaveModuleRequest{
		Module: "ModA", UserID: "U1",
		SpecDocument: "module ModA { typedef int T; };",
		AddedTypes:   []string{"T"},
	}); rerr != nil {
		t.Fatalf("initial save: %v", rerr)
	}
	if rerr := c.ReleaseModule(ctx, "ModA", "U1"); rerr != nil {
		t.Fatalf("ReleaseModule: %v", rerr)
	}

	major := 1
	resolved, rerr := c.ResolveType(ctx, TypeDefId{Module: "ModA", Name: "T", Major: &major})
	if rerr != nil {
		t.Fatalf("ResolveType: %v", rerr)
	}
	if resolved.Version != "1.0" {
		t.Fatalf("expected 1.0, got %q", resolved.Version)
	}
}

func TestParseTypeDefId(t *testing.T) {
	id, err := ParseTypeDefId("ModA.T-1.2")
	if err != nil {
		t.Fatalf("ParseTypeDefId: %v", err)
	}
	if id.Module != "ModA" || id.Name != "T" || id.Major == nil || *id.Major != 1 || id.Minor == nil || *id.Minor != 2 {
		t.Fatalf("unexpected parse result: %+v", id)
	}

	id2, err := ParseTypeDefId("ModA.T")
	if err != nil {
		t.Fatalf("ParseTypeDefId: %v", err)
	}
	if id2.Major != nil || id2.Minor != nil || id2.MD5 != "" {
		t.Fatalf("expected no version qualifier, got %+v", id2)
	}

	if _, err := ParseTypeDefId("NoDotHere"); err == nil {
		t.Fatalf("expected malformed id to fail")
	}
}
