package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	for _, host := range []string{"mydb.example.com", "192.168.1.100", "host.docker.internal"} {
		assert.Equal(t, host, ResolveHostForDocker(host))
	}
}

func TestRewriteURLHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:11434/v1", "http://host.docker.internal:11434/v1"},
		{"http://127.0.0.1:6333", "http://host.docker.internal:6333"},
		{"http://localhost/v1", "http://host.docker.internal/v1"},
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, rewriteURLHost(tt.input), tt.input)
	}
}

func TestResolveURLForDocker_FollowsEnvironment(t *testing.T) {
	got := ResolveURLForDocker("http://localhost:8000/v1")
	if IsRunningInDocker() {
		assert.Equal(t, "http://host.docker.internal:8000/v1", got)
	} else {
		assert.Equal(t, "http://localhost:8000/v1", got)
	}
	assert.Equal(t, "", ResolveURLForDocker(""))
}
