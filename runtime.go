package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const libraryEnv = "ONNXRUNTIME_LIB"

// defaultLibraryName is the onnxruntime shared library for the host OS.
func defaultLibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveLibrary picks the onnxruntime shared library: configured path, then
// $ONNXRUNTIME_LIB, then the OS default name next to the executable or in lib/.
func resolveLibrary(configured string) (string, error) {
	if configured != "" {
		return requireLibrary(configured)
	}
	if env := os.Getenv(libraryEnv); env != "" {
		return requireLibrary(env)
	}

	name := defaultLibraryName(runtime.GOOS)
	candidates := []string{filepath.Join("lib", name), name}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates, filepath.Join(dir, "lib", name), filepath.Join(dir, name))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return filepath.Abs(c)
		}
	}

	// let the dynamic loader search its default paths
	return name, nil
}

func requireLibrary(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("onnxruntime library not found: %s", path)
	}
	return filepath.Abs(path)
}
