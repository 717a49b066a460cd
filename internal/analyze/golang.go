package analyze

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/modfile"

	"github.com/gambtho/container-assist/internal/workflow"
)

// goFrameworkModules maps module path prefixes to framework names, in
// priority order.
var goFrameworkModules = []struct{ prefix, name string }{
	{"github.com/labstack/echo", "echo"},
	{"github.com/gin-gonic/gin", "gin"},
	{"github.com/go-chi/chi", "chi"},
	{"github.com/gofiber/fiber", "fiber"},
	{"google.golang.org/grpc", "grpc"},
}

// detectGo recognizes a repository by its go.mod. A module that parses
// badly still counts as Go; the report just carries fewer facts.
func (s *Service) detectGo(dir string) (*workflow.AnalysisReport, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return nil, false
	}

	report := &workflow.AnalysisReport{
		Language:    "go",
		BuildSystem: "go modules",
		Framework:   "stdlib",
	}

	file, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		s.logger.Warn("failed to parse go.mod", zap.String("dir", dir), zap.Error(err))
	} else {
		if file.Go != nil {
			report.LanguageVersion = file.Go.Version
		}

		deps := make([]string, 0, len(file.Require))
		for _, req := range file.Require {
			if req.Indirect {
				continue
			}
			deps = append(deps, req.Mod.Path)
			if report.Framework == "stdlib" {
				for _, fw := range goFrameworkModules {
					if strings.HasPrefix(req.Mod.Path, fw.prefix) {
						report.Framework = fw.name
						break
					}
				}
			}
		}
		report.Dependencies = s.capDependencies(deps)
	}

	report.Entrypoint = goEntrypoint(dir)

	return report, true
}

// goEntrypoint locates the main package: cmd/<name>/main.go by
// convention, then a root main.go.
func goEntrypoint(dir string) string {
	entries, err := os.ReadDir(filepath.Join(dir, "cmd"))
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			rel := filepath.Join("cmd", name, "main.go")
			if fileExists(filepath.Join(dir, rel)) {
				return rel
			}
		}
	}

	if fileExists(filepath.Join(dir, "main.go")) {
		return "main.go"
	}
	return ""
}
