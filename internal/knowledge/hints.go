package knowledge

// builtinHints is the seed corpus. Entries are keyed by stable IDs so
// reseeding a persistent store upserts instead of duplicating.
var builtinHints = []Hint{
	{
		ID:       "base-alpine-upgrade",
		Text:     "On Alpine-based images, run `apk upgrade --no-cache` in the final stage to pick up patched packages, and prefer a current minor tag such as alpine:3.20 over stale pins.",
		Metadata: map[string]string{"os": "alpine", "kind": "package-upgrade"},
	},
	{
		ID:       "base-debian-slim-upgrade",
		Text:     "On Debian or Ubuntu images, add `apt-get update && apt-get upgrade -y && rm -rf /var/lib/apt/lists/*` to the runtime stage, and prefer -slim variants to shrink the patch surface.",
		Metadata: map[string]string{"os": "debian", "kind": "package-upgrade"},
	},
	{
		ID:       "pin-fixed-package-version",
		Text:     "When a finding lists a fixed version, install that exact package version in the runtime stage, for example `apk add --no-cache 'openssl>3.1.4-r0'` or `apt-get install -y libssl3=<fixed>`.",
		Metadata: map[string]string{"kind": "package-pin"},
	},
	{
		ID:       "runtime-distroless",
		Text:     "Switching the runtime stage to a distroless base (gcr.io/distroless/static or /base) removes shells and package managers, which eliminates most OS-level CVE findings outright.",
		Metadata: map[string]string{"kind": "base-swap"},
	},
	{
		ID:       "go-static-scratch",
		Text:     "Go services built with `CGO_ENABLED=0 go build` can run on scratch or distroless/static; copy only the binary and CA certificates so the scanner has no OS packages to flag.",
		Metadata: map[string]string{"language": "go", "kind": "base-swap"},
	},
	{
		ID:       "node-slim-prune",
		Text:     "For Node.js, build on node:<version>-slim and run `npm ci --omit=dev` (or `npm prune --production`) in the final stage; devDependencies are a common source of vulnerable transitive packages.",
		Metadata: map[string]string{"language": "javascript", "kind": "dependency-prune"},
	},
	{
		ID:       "python-slim-bookworm",
		Text:     "For Python, pin python:<version>-slim-bookworm rather than the full image, upgrade pip with `pip install --upgrade pip`, and install requirements with `--no-cache-dir`.",
		Metadata: map[string]string{"language": "python", "kind": "base-swap"},
	},
	{
		ID:       "java-temurin-jre",
		Text:     "For Java, run on eclipse-temurin:<version>-jre (not -jdk) and keep the version current; JDK images carry compilers and tooling that widen the vulnerability surface.",
		Metadata: map[string]string{"language": "java", "kind": "base-swap"},
	},
	{
		ID:       "rebuild-fresh-base",
		Text:     "Rebuilding with `--pull` after bumping the base image digest often clears findings with no Dockerfile change, since registries republish patched tags under the same name.",
		Metadata: map[string]string{"kind": "rebuild"},
	},
	{
		ID:       "app-dependency-bump",
		Text:     "Findings in application packages (npm, pip, go modules) are fixed in the manifest, not the Dockerfile: bump the affected dependency to the fixed version and rebuild.",
		Metadata: map[string]string{"kind": "dependency-bump"},
	},
}
