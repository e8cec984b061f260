package docker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	assert.Equal(t, "/home/user/app/page.tsx", resolve("app/page.tsx"))
	assert.Equal(t, "/home/user/a.txt", resolve("./a.txt"))
	assert.Equal(t, "/etc/hosts", resolve("/etc/../etc/hosts"))
}

func TestTeeWriter(t *testing.T) {
	var buf, sink bytes.Buffer
	w := teeWriter(&buf, &sink)
	w.Write([]byte("hello"))
	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, "hello", sink.String())

	var only bytes.Buffer
	assert.Same(t, &only, teeWriter(&only, nil))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "buildfy-sandbox-abc", containerName("abc"))
}

func TestHostUnmappedPort(t *testing.T) {
	sb := &Sandbox{id: "x", hostPorts: map[int]string{3000: "49152"}}
	assert.Equal(t, "127.0.0.1:49152", sb.Host(3000))
	assert.Equal(t, "", sb.Host(8080))
}
