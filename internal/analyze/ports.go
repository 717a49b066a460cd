package analyze

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const maxScannedPorts = 4

// listenPattern matches port numbers near listen/serve keywords in
// entrypoint source, e.g. "app.listen(3000)" or "PORT', 5000".
var listenPattern = regexp.MustCompile(`(?i)(?:listen|port|run|start|serve)[^\n]{0,80}?(\d{4,5})`)

// defaultFrameworkPorts holds the conventional port for frameworks
// whose repos rarely declare one explicitly.
var defaultFrameworkPorts = map[string]int{
	"flask":       5000,
	"django":      8000,
	"fastapi":     8000,
	"express":     3000,
	"fastify":     3000,
	"koa":         3000,
	"nestjs":      3000,
	"next.js":     3000,
	"spring-boot": 8080,
	"quarkus":     8080,
	"gin":         8080,
	"echo":        8080,
	"fiber":       8080,
	"chi":         8080,
}

// exposedPorts parses EXPOSE instructions from the repository's
// Dockerfile.
func exposedPorts(dir string) []int {
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return nil
	}

	var ports []int
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "EXPOSE") {
			continue
		}
		for _, field := range fields[1:] {
			field = strings.TrimSuffix(field, "/tcp")
			field = strings.TrimSuffix(field, "/udp")
			port, err := strconv.Atoi(field)
			if err != nil || port < 1 || port > 65535 {
				continue
			}
			ports = append(ports, port)
		}
	}
	return ports
}

// scanPorts extracts candidate listen ports from an entrypoint file.
func scanPorts(path string) []int {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var ports []int
	seen := make(map[int]bool)
	for _, match := range listenPattern.FindAllStringSubmatch(string(data), -1) {
		port, err := strconv.Atoi(match[1])
		if err != nil || port > 65535 || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
		if len(ports) == maxScannedPorts {
			break
		}
	}
	return ports
}

// defaultFrameworkPort returns the conventional port for a framework.
func defaultFrameworkPort(framework string) (int, bool) {
	port, ok := defaultFrameworkPorts[framework]
	return port, ok
}
