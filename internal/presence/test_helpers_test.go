package presence

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected error opening database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected error acquiring sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("unexpected error migrating schema: %v", err)
	}
	return db
}

func mustDocumentID(t *testing.T, rawValue int64) DocumentID {
	t.Helper()
	id, err := NewDocumentID(rawValue)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, rawInput string) UserID {
	t.Helper()
	id, err := NewUserID(rawInput)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustFieldName(t *testing.T, rawInput string) FieldName {
	t.Helper()
	name, err := NewFieldName(rawInput)
	if err != nil {
		t.Fatalf("unexpected field name error: %v", err)
	}
	return name
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
