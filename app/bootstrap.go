package app

import (
	"fmt"
	"os"

	"gencodedoc/config"
	"gencodedoc/internal/router"
)

// Bootstrap resolves the default project path, validates its
// configuration, and wires a Router ready to serve it.
func Bootstrap() (*Application, error) {
	projectPath, warnings, err := loadDefaultProjectPath()
	if err != nil {
		return nil, fmt.Errorf("resolving default project path: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "gencodedoc: warning: %s\n", w)
	}

	r := router.New(projectPath)

	return &Application{
		ProjectPath: projectPath,
		Router:      r,
		Port:        os.Getenv("PORT"),
	}, nil
}

// loadDefaultProjectPath resolves PROJECT_PATH (or the working
// directory if unset) and ensures its configuration is loadable,
// surfacing unrecognized config keys as warnings.
func loadDefaultProjectPath() (string, []string, error) {
	projectPath := os.Getenv("PROJECT_PATH")
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil, fmt.Errorf("getwd: %w", err)
		}
		projectPath = wd
	}

	_, warnings, err := config.Load(projectPath)
	if err != nil {
		return "", nil, err
	}
	return projectPath, warnings, nil
}
