//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return mgr
}

func TestManagerListEmpty(t *testing.T) {
	mgr := newTestManager(t)
	scripts, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("got %d scripts, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	mgr := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Retry On Reconnect",
			Description: "re-admits failed messages when the mesh comes back",
			Enabled:     true,
		},
		LuaCode: `mesh.on("connectivity_changed", {}, function(e)
  if e.online then mesh.retry_all() end
end)`,
	}

	saved, err := mgr.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" {
		t.Fatal("saved script has no ID")
	}
	if saved.ID != "retry_on_reconnect" {
		t.Errorf("ID = %q, want slug of name", saved.ID)
	}

	got, err := mgr.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != s.Meta.Name {
		t.Errorf("name = %q, want %q", got.Meta.Name, s.Meta.Name)
	}
	if !got.Meta.Enabled {
		t.Error("enabled flag lost")
	}
	if !strings.Contains(got.LuaCode, "mesh.retry_all()") {
		t.Errorf("lua code not preserved: %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	mgr := newTestManager(t)

	s := &Script{ID: "myscript", Meta: ScriptMeta{Name: "First"}, LuaCode: `mesh.log("v1")`}
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}

	s2 := &Script{ID: "myscript", Meta: ScriptMeta{Name: "Second"}, LuaCode: `mesh.log("v2")`}
	if _, err := mgr.Save(s2); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.Get("myscript")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Second" {
		t.Errorf("name = %q, want overwritten", got.Meta.Name)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua code = %q, want v2", got.LuaCode)
	}
}

func TestManagerGeneratesUniqueIDs(t *testing.T) {
	mgr := newTestManager(t)

	first, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Notify"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Notify"}})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Errorf("duplicate IDs generated: %q", first.ID)
	}
}

func TestManagerList(t *testing.T) {
	mgr := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta"} {
		if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: name}, LuaCode: "-- noop"}); err != nil {
			t.Fatal(err)
		}
	}
	// A non-lua file must be ignored.
	if err := os.WriteFile(filepath.Join(mgr.dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 2 {
		t.Errorf("got %d scripts, want 2", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	mgr := newTestManager(t)

	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Doomed"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Get(s.ID); err == nil {
		t.Error("script still readable after delete")
	}
	if err := mgr.Delete(s.ID); err == nil {
		t.Error("second delete did not error")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Get("nope"); err == nil {
		t.Error("want error for missing script")
	}
}

func TestManagerRejectsPathTraversal(t *testing.T) {
	mgr := newTestManager(t)
	for _, id := range []string{"", ".", "..", "../evil", "a/b", `a\b`} {
		if _, err := mgr.Get(id); err == nil {
			t.Errorf("Get(%q) accepted unsafe id", id)
		}
		if err := mgr.Delete(id); err == nil {
			t.Errorf("Delete(%q) accepted unsafe id", id)
		}
	}
}
