package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExposedPorts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", `FROM alpine:3.20
EXPOSE 8080/tcp 9090
expose 3000
EXPOSE http
`)

	assert.Equal(t, []int{8080, 9090, 3000}, exposedPorts(dir))
}

func TestExposedPorts_NoDockerfile(t *testing.T) {
	assert.Nil(t, exposedPorts(t.TempDir()))
}

func TestScanPorts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "server.js", `const app = express();
app.listen(3000);
app.listen(3000); // bound twice in dev
const metricsPort = 9091;
server.listen(99999);
`)

	ports := scanPorts(dir + "/server.js")
	assert.Equal(t, []int{3000, 9091}, ports)
}

func TestScanPorts_MissingFile(t *testing.T) {
	assert.Nil(t, scanPorts(t.TempDir()+"/absent.py"))
}

func TestDefaultFrameworkPort(t *testing.T) {
	port, ok := defaultFrameworkPort("flask")
	assert.True(t, ok)
	assert.Equal(t, 5000, port)

	_, ok = defaultFrameworkPort("stdlib")
	assert.False(t, ok)

	_, ok = defaultFrameworkPort("none")
	assert.False(t, ok)
}
