package database

import (
	"errors"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

type fakeMigrationRunner struct {
	upErr    error
	srcErr   error
	dbErr    error
	upCalled bool
}

func (f *fakeMigrationRunner) Up() error {
	f.upCalled = true
	return f.upErr
}

func (f *fakeMigrationRunner) Close() (error, error) {
	return f.srcErr, f.dbErr
}

func stubMigrate(t *testing.T, runner *fakeMigrationRunner, openErr error) *string {
	t.Helper()
	orig := newMigrate
	t.Cleanup(func() { newMigrate = orig })
	var source string
	newMigrate = func(sourceURL, databaseURL string) (migrationRunner, error) {
		source = sourceURL
		if openErr != nil {
			return nil, openErr
		}
		return runner, nil
	}
	return &source
}

func TestNewMigrator_UsesFileSource(t *testing.T) {
	runner := &fakeMigrationRunner{}
	source := stubMigrate(t, runner, nil)

	m, err := NewMigrator("postgres://x", "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(*source, "file://") || !strings.HasSuffix(*source, "/migrations") {
		t.Fatalf("unexpected source url %q", *source)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("unexpected up error: %v", err)
	}
	if !runner.upCalled {
		t.Fatal("expected Up to run")
	}
}

func TestMigrator_UpIgnoresNoChange(t *testing.T) {
	runner := &fakeMigrationRunner{upErr: migrate.ErrNoChange}
	stubMigrate(t, runner, nil)

	m, err := NewMigrator("postgres://x", "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("expected ErrNoChange to be ignored, got %v", err)
	}
}

func TestMigrator_UpWrapsFailure(t *testing.T) {
	upErr := errors.New("dirty")
	stubMigrate(t, &fakeMigrationRunner{upErr: upErr}, nil)

	m, _ := NewMigrator("postgres://x", "migrations")
	if err := m.Up(); !errors.Is(err, upErr) {
		t.Fatalf("expected wrapped up error, got %v", err)
	}
}

func TestMigrator_CloseJoinsErrors(t *testing.T) {
	dbErr := errors.New("db close")
	stubMigrate(t, &fakeMigrationRunner{dbErr: dbErr}, nil)

	m, _ := NewMigrator("postgres://x", "migrations")
	if err := m.Close(); !errors.Is(err, dbErr) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestNewMigrator_OpenError(t *testing.T) {
	openErr := errors.New("no such dir")
	stubMigrate(t, nil, openErr)

	if _, err := NewMigrator("postgres://x", "migrations"); !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
}
