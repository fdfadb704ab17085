package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// javaEntryPoint is the class of the AWS Lambda runtime interface client,
// which the function's gradle build must put on the classpath.
const javaEntryPoint = "com.amazonaws.services.lambda.runtime.api.client.AWSLambda"

// JavaHandler builds java* functions with gradle.
type JavaHandler struct {
	Gradle string
	Java   string
	table  *processTable
}

// NewJavaHandler creates a handler for java* runtimes.
func NewJavaHandler() *JavaHandler {
	return &JavaHandler{Gradle: "gradle", Java: "java", table: newProcessTable()}
}

func (h *JavaHandler) CanHandle(runtime string) bool {
	return strings.HasPrefix(runtime, "java")
}

func (h *JavaHandler) ShouldBuild(functionID, changedFile string) bool {
	return h.table.shouldBuild(functionID, changedFile)
}

func (h *JavaHandler) Build(ctx context.Context, in BuildInput) BuildResult {
	gradleFile := filepath.Join(in.Function.SrcPath, "build.gradle")
	if _, err := os.Stat(gradleFile); err != nil {
		return buildFailed("cannot find build.gradle at " + gradleFile)
	}
	h.table.setSource(in.Function.ID, in.Function.SrcPath)

	target := javaTarget(in.Out, in.Function.Handler)
	issues := runBuild(ctx, in.Function.SrcPath, os.Environ(), h.Gradle,
		"build",
		"-Dorg.gradle.project.buildDir="+target,
		"-Dorg.gradle.logging.level=lifecycle",
	)
	if issues != nil {
		return buildFailed(issues...)
	}

	// The distribution zip carries the dependency jars.
	dist := filepath.Join(target, "distributions")
	archive, err := firstWithSuffix(dist, ".zip")
	if err != nil {
		return buildFailed(err.Error())
	}
	if err := unzip(archive, dist); err != nil {
		return buildFailed(err.Error())
	}

	return BuildResult{Type: BuildSuccess, Handler: in.Function.Handler}
}

func (h *JavaHandler) StartWorker(_ context.Context, in WorkerInput) error {
	target := javaTarget(in.Out, in.Handler)
	classpath := strings.Join([]string{
		filepath.Join(target, "libs", "*"),
		filepath.Join(target, "distributions", "lib", "*"),
	}, string(os.PathListSeparator))

	return h.table.spawn(in, ProcessConfig{
		Name: h.Java,
		Args: []string{"-cp", classpath, javaEntryPoint, in.Handler},
		Dir:  in.Function.SrcPath,
	})
}

func (h *JavaHandler) StopWorker(ctx context.Context, workerID string) error {
	return h.table.stop(ctx, workerID)
}

func javaTarget(out, handler string) string {
	return filepath.Join(out, strings.ReplaceAll(filepath.Base(handler), "::", "-"))
}

func firstWithSuffix(dir, suffix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no %s file in %s", suffix, dir)
}

// unzip extracts archive into dest, stripping the archive's top-level
// directory.
func unzip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archive, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		name := f.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			continue
		}

		path := filepath.Join(dest, filepath.FromSlash(name))
		if !IsChild(dest, path) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, path); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return dst.Close()
}
