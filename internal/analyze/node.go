package analyze

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// packageJSON is the slice of package.json the detector reads.
type packageJSON struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Engines         map[string]string `json:"engines"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// nodeFrameworkPackages maps dependency names to framework names, in
// priority order.
var nodeFrameworkPackages = []struct{ pkg, name string }{
	{"@nestjs/core", "nestjs"},
	{"next", "next.js"},
	{"express", "express"},
	{"fastify", "fastify"},
	{"koa", "koa"},
}

// detectNode recognizes a repository by its package.json.
func (s *Service) detectNode(dir string) (*workflow.AnalysisReport, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}

	report := &workflow.AnalysisReport{
		Language:    "javascript",
		BuildSystem: "npm",
		Framework:   "none",
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		s.logger.Warn("failed to parse package.json", zap.String("dir", dir), zap.Error(err))
	} else {
		report.LanguageVersion = strings.TrimLeft(pkg.Engines["node"], "><=~^v ")

		deps := make([]string, 0, len(pkg.Dependencies))
		for name := range pkg.Dependencies {
			deps = append(deps, name)
		}
		sort.Strings(deps)
		report.Dependencies = s.capDependencies(deps)

		for _, fw := range nodeFrameworkPackages {
			if _, ok := pkg.Dependencies[fw.pkg]; ok {
				report.Framework = fw.name
				break
			}
		}
	}

	if fileExists(filepath.Join(dir, "tsconfig.json")) {
		report.Language = "typescript"
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		report.BuildSystem = "yarn"
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		report.BuildSystem = "pnpm"
	}

	report.Entrypoint = nodeEntrypoint(dir, pkg)

	return report, true
}

// nodeEntrypoint locates the server entry: the start script's file, the
// declared main, then conventional names.
func nodeEntrypoint(dir string, pkg packageJSON) string {
	if start := pkg.Scripts["start"]; start != "" {
		fields := strings.Fields(start)
		if len(fields) >= 2 && fields[0] == "node" && fileExists(filepath.Join(dir, fields[1])) {
			return fields[1]
		}
	}
	if pkg.Main != "" && fileExists(filepath.Join(dir, pkg.Main)) {
		return pkg.Main
	}
	return firstExisting(dir,
		"server.js", "index.js", "app.js",
		"src/server.js", "src/index.js", "src/app.js",
	)
}
