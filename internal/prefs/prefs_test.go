package prefs

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefs.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestGetUnsetKey(t *testing.T) {
	db := testDB(t)

	v, err := db.Get(KeyLastConversation)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("Get(unset) = %q, want empty", v)
	}
}

func TestSetOverwrites(t *testing.T) {
	db := testDB(t)

	if err := db.Set(KeyLastConversation, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Set(KeyLastConversation, "c2"); err != nil {
		t.Fatal(err)
	}

	v, err := db.Get(KeyLastConversation)
	if err != nil {
		t.Fatal(err)
	}
	if v != "c2" {
		t.Errorf("Get() = %q, want c2", v)
	}
}

func TestDelete(t *testing.T) {
	db := testDB(t)

	if err := db.Set(KeyDeviceID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(KeyDeviceID); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(KeyDeviceID); err != nil {
		t.Errorf("Delete(absent) error = %v", err)
	}

	v, _ := db.Get(KeyDeviceID)
	if v != "" {
		t.Errorf("Get() after delete = %q", v)
	}
}
