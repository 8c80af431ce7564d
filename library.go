package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const onnxRuntimeVersion = "1.20.0"

// libraryName returns the ONNX Runtime shared library name for goos.
func libraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime." + onnxRuntimeVersion + ".dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so." + onnxRuntimeVersion
	}
}

// resolveLibrary finds the ONNX Runtime shared library. An explicit path
// wins; otherwise ONNXRUNTIME_LIB and then ./lib are tried.
func resolveLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library: %w", err)
		}
		return filepath.Abs(configured)
	}

	candidates := []string{os.Getenv("ONNXRUNTIME_LIB")}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "lib", libraryName(runtime.GOOS)))
	}
	candidates = append(candidates, filepath.Join("lib", libraryName(runtime.GOOS)))

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return filepath.Abs(path)
		}
	}
	return "", fmt.Errorf("onnxruntime library %s not found; set engine.librarypath or ONNXRUNTIME_LIB", libraryName(runtime.GOOS))
}
