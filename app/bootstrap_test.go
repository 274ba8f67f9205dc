package app

import (
	"os"
	"testing"
)

func TestLoadDefaultProjectPathFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PROJECT_PATH", root)

	path, warnings, err := loadDefaultProjectPath()
	if err != nil {
		t.Fatalf("loadDefaultProjectPath: %v", err)
	}
	if path != root {
		t.Fatalf("path = %q, want %q", path, root)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings for a fresh project, got %v", warnings)
	}
}

func TestLoadDefaultProjectPathFallsBackToWorkingDir(t *testing.T) {
	os.Unsetenv("PROJECT_PATH")

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}

	path, _, err := loadDefaultProjectPath()
	if err != nil {
		t.Fatalf("loadDefaultProjectPath: %v", err)
	}
	if path != wd {
		t.Fatalf("path = %q, want working directory %q", path, wd)
	}
}

func TestBootstrapWiresRouter(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PROJECT_PATH", root)
	os.Unsetenv("PORT")

	application, err := Bootstrap()
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer application.Router.Close()

	if application.ProjectPath != root {
		t.Fatalf("ProjectPath = %q, want %q", application.ProjectPath, root)
	}
	if application.Router == nil {
		t.Fatal("expected a non-nil Router")
	}
	if application.Port != "" {
		t.Fatalf("Port = %q, want empty (stdio transport)", application.Port)
	}
}
