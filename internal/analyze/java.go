package analyze

import (
	"encoding/xml"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// mavenPOM is the slice of pom.xml the detector reads.
type mavenPOM struct {
	XMLName    xml.Name `xml:"project"`
	ArtifactID string   `xml:"artifactId"`
	Properties struct {
		JavaVersion    string `xml:"java.version"`
		CompilerSource string `xml:"maven.compiler.source"`
	} `xml:"properties"`
	Dependencies struct {
		Dependency []struct {
			GroupID    string `xml:"groupId"`
			ArtifactID string `xml:"artifactId"`
		} `xml:"dependency"`
	} `xml:"dependencies"`
}

// detectJava recognizes a repository by pom.xml or a Gradle build file.
func (s *Service) detectJava(dir string) (*workflow.AnalysisReport, bool) {
	report := &workflow.AnalysisReport{
		Language:  "java",
		Framework: "none",
	}

	pomPath := filepath.Join(dir, "pom.xml")
	switch {
	case fileExists(pomPath):
		report.BuildSystem = "maven"
		data, err := os.ReadFile(pomPath)
		if err != nil {
			s.logger.Warn("failed to read pom.xml", zap.String("dir", dir), zap.Error(err))
			break
		}
		var pom mavenPOM
		if err := xml.Unmarshal(data, &pom); err != nil {
			s.logger.Warn("failed to parse pom.xml", zap.String("dir", dir), zap.Error(err))
			break
		}
		report.LanguageVersion = pom.Properties.JavaVersion
		if report.LanguageVersion == "" {
			report.LanguageVersion = pom.Properties.CompilerSource
		}
		var deps []string
		for _, dep := range pom.Dependencies.Dependency {
			deps = append(deps, dep.GroupID+":"+dep.ArtifactID)
			switch {
			case dep.GroupID == "org.springframework.boot":
				report.Framework = "spring-boot"
			case dep.GroupID == "io.quarkus" && report.Framework == "none":
				report.Framework = "quarkus"
			}
		}
		report.Dependencies = s.capDependencies(deps)
	case fileExists(filepath.Join(dir, "build.gradle")), fileExists(filepath.Join(dir, "build.gradle.kts")):
		report.BuildSystem = "gradle"
		gradlePath := firstExisting(dir, "build.gradle", "build.gradle.kts")
		data, err := os.ReadFile(filepath.Join(dir, gradlePath))
		if err == nil {
			body := string(data)
			if strings.Contains(body, "org.springframework.boot") {
				report.Framework = "spring-boot"
			} else if strings.Contains(body, "io.quarkus") {
				report.Framework = "quarkus"
			}
		}
	default:
		return nil, false
	}

	report.Entrypoint = findJavaApplication(dir)
	return report, true
}

// findJavaApplication locates the main class by the *Application.java
// naming convention used by Spring and Quarkus projects.
func findJavaApplication(dir string) string {
	root := filepath.Join(dir, "src", "main", "java")
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return ""
	}

	var application, fallback string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case "target", "build", ".git":
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, "Application.java") && application == "":
			application = path
		case name == "Main.java" && fallback == "":
			fallback = path
		}
		return nil
	})

	chosen := application
	if chosen == "" {
		chosen = fallback
	}
	if chosen == "" {
		return ""
	}
	rel, err := filepath.Rel(dir, chosen)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}
