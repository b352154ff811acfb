package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "vendor": true, ".workspace": true,
}

// countFilesAndLines recursively counts regular files and total lines
// under path, skipping VCS/build/dependency directories.
func countFilesAndLines(path string) (int, int, error) {
	var files, lines int
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skippedDirs[info.Name()] && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		files++
		n, lerr := countLines(p)
		if lerr == nil {
			lines += n
		}
		return nil
	})
	if err != nil {
		return files, lines, err
	}
	return files, lines, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count, nil
}

// languageMarkers maps a detected marker file to the language it implies.
var languageMarkers = []struct {
	marker   string
	language string
}{
	{"go.mod", "Go"},
	{"Cargo.toml", "Rust"},
	{"package.json", "JavaScript"},
	{"requirements.txt", "Python"},
	{"setup.py", "Python"},
	{"pyproject.toml", "Python"},
	{"pom.xml", "Java"},
	{"build.gradle", "Java"},
}

// detectLanguages inspects path's top-level marker files to classify its
// languages. Returns []string{"Unknown"} if nothing recognizable is
// found, matching the original's "languages.is_empty() -> Unknown" rule.
func detectLanguages(path string) []string {
	seen := make(map[string]bool)
	var languages []string
	for _, m := range languageMarkers {
		if _, err := os.Stat(filepath.Join(path, m.marker)); err == nil {
			if !seen[m.language] {
				seen[m.language] = true
				languages = append(languages, m.language)
			}
		}
	}
	if len(languages) == 0 {
		return []string{"Unknown"}
	}
	return languages
}

// analyzeDependencies extracts a lightweight dependency list from
// whichever manifest files are present. This is intentionally shallow
// (name-only, best-effort version) — a full per-ecosystem parser is out
// of scope for the pipeline's own confidence scoring, which only needs
// to know whether dependencies exist at all.
func analyzeDependencies(path string) []Dependency {
	var deps []Dependency

	if data, err := os.ReadFile(filepath.Join(path, "go.mod")); err == nil {
		if mf, err := modfile.Parse("go.mod", data, nil); err == nil {
			for _, r := range mf.Require {
				deps = append(deps, Dependency{Name: r.Mod.Path, Version: r.Mod.Version})
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(path, "package.json")); err == nil {
		var pkg struct {
			Dependencies map[string]string `json:"dependencies"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			names := make([]string, 0, len(pkg.Dependencies))
			for name := range pkg.Dependencies {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				deps = append(deps, Dependency{Name: name, Version: pkg.Dependencies[name]})
			}
		}
	}

	if lines, err := readLines(filepath.Join(path, "requirements.txt")); err == nil {
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			deps = append(deps, Dependency{Name: trimmed})
		}
	}

	return deps
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}

// detectPatterns recognizes a handful of structural conventions used to
// drive adaptation decisions.
func detectPatterns(path string, languages []string) []string {
	var patterns []string
	for _, lang := range languages {
		if lang == "Go" {
			patterns = append(patterns, "go-module")
		}
	}
	if _, err := os.Stat(filepath.Join(path, "src")); err == nil {
		patterns = append(patterns, "standard-src-layout")
	}
	if _, err := os.Stat(filepath.Join(path, "tests")); err == nil {
		patterns = append(patterns, "has-tests")
	}
	return patterns
}

// findIssues performs cheap structural lint checks: oversized files, Go
// sources with no go.mod at the drop root, and empty directories. It does not
// attempt semantic analysis.
func findIssues(path string) []string {
	var issues []string
	hasGoFiles := false
	_, statErr := os.Stat(filepath.Join(path, "go.mod"))
	goModMissing := statErr != nil

	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skippedDirs[info.Name()] && p != path {
				return filepath.SkipDir
			}
			if p != path && dirIsEmpty(p) {
				issues = append(issues, "empty directory: "+p)
			}
			return nil
		}
		if skippedDirs[filepath.Base(filepath.Dir(p))] {
			return nil
		}
		if info.Size() > 5*1024*1024 {
			issues = append(issues, "oversized file: "+p)
		}
		if strings.HasSuffix(p, ".go") {
			hasGoFiles = true
		}
		return nil
	})

	if hasGoFiles && goModMissing {
		issues = append(issues, "missing go.mod: Go source present with no module file at "+path)
	}
	return issues
}

// dirIsEmpty reports whether dir has no entries at all.
func dirIsEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) == 0
}

// hasValidStructure reports whether path looks like a conventional source
// tree.
func hasValidStructure(path string) bool {
	for _, dir := range []string{"src", "lib", "pkg", "cmd", "internal"} {
		if _, err := os.Stat(filepath.Join(path, dir)); err == nil {
			return true
		}
	}
	return false
}

// checkRequiredFiles reports which recommended top-level files are
// missing.
func checkRequiredFiles(path string) []string {
	var missing []string
	for _, name := range []string{"README.md", "LICENSE"} {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}
