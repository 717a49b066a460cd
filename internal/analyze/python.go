package analyze

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// pyprojectFile is the slice of pyproject.toml the detector reads.
type pyprojectFile struct {
	Project struct {
		RequiresPython string   `toml:"requires-python"`
		Dependencies   []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// pythonFrameworkPackages maps requirement names to framework names, in
// priority order.
var pythonFrameworkPackages = []struct{ pkg, name string }{
	{"django", "django"},
	{"fastapi", "fastapi"},
	{"flask", "flask"},
}

// detectPython recognizes a repository by pyproject.toml or
// requirements.txt.
func (s *Service) detectPython(dir string) (*workflow.AnalysisReport, bool) {
	pyprojectPath := filepath.Join(dir, "pyproject.toml")
	requirementsPath := filepath.Join(dir, "requirements.txt")
	hasPyproject := fileExists(pyprojectPath)
	hasRequirements := fileExists(requirementsPath)
	if !hasPyproject && !hasRequirements {
		return nil, false
	}

	report := &workflow.AnalysisReport{
		Language:    "python",
		BuildSystem: "pip",
		Framework:   "none",
	}

	var deps []string
	if hasPyproject {
		var py pyprojectFile
		if _, err := toml.DecodeFile(pyprojectPath, &py); err != nil {
			s.logger.Warn("failed to parse pyproject.toml", zap.String("dir", dir), zap.Error(err))
		} else {
			report.LanguageVersion = pythonVersion(py.Project.RequiresPython)
			for _, d := range py.Project.Dependencies {
				deps = append(deps, requirementName(d))
			}
			if len(py.Tool.Poetry.Dependencies) > 0 {
				report.BuildSystem = "poetry"
				for name := range py.Tool.Poetry.Dependencies {
					if !strings.EqualFold(name, "python") {
						deps = append(deps, strings.ToLower(name))
					}
				}
			}
		}
	}
	if hasRequirements {
		deps = append(deps, parseRequirements(requirementsPath)...)
	}

	deps = dedupe(deps)
	report.Dependencies = s.capDependencies(deps)

	for _, fw := range pythonFrameworkPackages {
		for _, dep := range deps {
			if strings.HasPrefix(dep, fw.pkg) {
				report.Framework = fw.name
				break
			}
		}
		if report.Framework != "none" {
			break
		}
	}

	report.Entrypoint = firstExisting(dir,
		"app.py", "main.py", "wsgi.py", "manage.py",
		"src/app.py", "src/main.py",
	)

	return report, true
}

// parseRequirements extracts package names from a requirements file.
func parseRequirements(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if name := requirementName(line); name != "" {
			deps = append(deps, name)
		}
	}
	return deps
}

// requirementName strips version constraints, extras, and markers from
// a requirement line.
func requirementName(line string) string {
	if i := strings.IndexAny(line, "=<>!~[; "); i >= 0 {
		line = line[:i]
	}
	return strings.ToLower(strings.TrimSpace(line))
}

// pythonVersion reduces a requires-python constraint to its base
// version: ">=3.11,<4" becomes "3.11".
func pythonVersion(constraint string) string {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return ""
	}
	if i := strings.IndexByte(constraint, ','); i >= 0 {
		constraint = constraint[:i]
	}
	return strings.TrimLeft(constraint, "><=~^ ")
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
