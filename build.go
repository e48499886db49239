//go:build ignore

// build.go - keygate build system
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: all, keygate, keygatectl, test, clean, release

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	module  = "keygate"
	distDir = "dist"
)

// executables maps a cmd/ directory to its binary name.
var executables = map[string]string{
	"keygate":    "keygate",
	"keygatectl": "keygatectl",
}

// BuildContext holds configuration for the build process
type BuildContext struct {
	Verbose bool
	Version string
	Race    bool
}

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	version := flag.String("version", gitVersion(), "Version stamped into the binaries")
	race := flag.Bool("race", true, "Run tests with the race detector")
	flag.Parse()

	ctx := &BuildContext{Verbose: *verbose, Version: *version, Race: *race}
	printInfo(fmt.Sprintf("keygate build %s (%s/%s)", ctx.Version, runtime.GOOS, runtime.GOARCH))

	startTime := time.Now()
	switch *target {
	case "all":
		buildAll(ctx)
	case "keygate", "keygatectl":
		buildExecutable(*target, ctx)
	case "test":
		runTests(ctx)
	case "clean":
		clean(ctx)
	case "release":
		buildRelease(ctx)
	default:
		showHelp()
		os.Exit(1)
	}
	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(startTime).Round(time.Millisecond)))
}

func printInfo(msg string)    { fmt.Printf("[INFO] %s\n", msg) }
func printSuccess(msg string) { fmt.Printf("[OK]   %s\n", msg) }
func printError(msg string)   { fmt.Fprintf(os.Stderr, "[FAIL] %s\n", msg) }

func showHelp() {
	fmt.Println("Usage: go run build.go -target=<all|keygate|keygatectl|test|clean|release> [-v] [-version=X]")
}

// gitVersion describes HEAD, falling back to "dev" outside a checkout.
func gitVersion() string {
	out, err := exec.Command("git", "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(out))
}

func buildAll(ctx *BuildContext) {
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	for name := range executables {
		buildExecutable(name, ctx)
	}
	printSuccess("All binaries built")
}

func buildExecutable(name string, ctx *BuildContext) {
	exeName := executables[name]
	if runtime.GOOS == "windows" || os.Getenv("GOOS") == "windows" {
		exeName += ".exe"
	}
	outputPath := filepath.Join(distDir, exeName)
	printInfo(fmt.Sprintf("Building %s...", name))

	ldflags := fmt.Sprintf("-s -w -X %s/internal/config.AppVersion=%s", module, ctx.Version)
	args := []string{"build", "-trimpath", "-ldflags", ldflags, "-o", outputPath, "./cmd/" + name}
	if ctx.Verbose {
		args = append([]string{"build", "-v"}, args[1:]...)
	}
	if err := run(ctx, "go", args...); err != nil {
		printError(fmt.Sprintf("Failed to build %s: %v", name, err))
		os.Exit(1)
	}

	if info, err := os.Stat(outputPath); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", outputPath, float64(info.Size())/1024/1024))
	}
}

func runTests(ctx *BuildContext) {
	args := []string{"test"}
	if ctx.Race {
		args = append(args, "-race")
	}
	if ctx.Verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	// Test output is always shown.
	ctx.Verbose = true
	if err := run(ctx, "go", args...); err != nil {
		printError(fmt.Sprintf("Go tests failed: %v", err))
		os.Exit(1)
	}
	printSuccess("All tests passed")
}

func clean(ctx *BuildContext) {
	if err := os.RemoveAll(distDir); err != nil {
		printError(fmt.Sprintf("Failed to remove %s: %v", distDir, err))
		os.Exit(1)
	}
	if ctx.Verbose {
		printInfo("Removed " + distDir)
	}
}

// buildRelease builds for the host platform only: the sqlite store driver
// needs cgo, which rules out plain cross-compilation.
func buildRelease(ctx *BuildContext) {
	clean(ctx)
	runTests(&BuildContext{Race: ctx.Race})
	buildAll(ctx)

	content := fmt.Sprintf("keygate %s\nBuilt: %s\nPlatform: %s/%s\n",
		ctx.Version, time.Now().UTC().Format(time.RFC3339), runtime.GOOS, runtime.GOARCH)
	if err := os.WriteFile(filepath.Join(distDir, "VERSION.txt"), []byte(content), 0o644); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	printSuccess("Release build completed")
}

func run(ctx *BuildContext, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	if ctx.Verbose {
		fmt.Printf("$ %s %s\n", name, strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	return cmd.Run()
}
