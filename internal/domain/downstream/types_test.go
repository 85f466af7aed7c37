package downstream

import (
	"strings"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "valid stdio",
			cfg:  ServerConfig{Name: "fs", Type: TransportStdio, Command: "mcp-fs"},
		},
		{
			name: "valid http",
			cfg:  ServerConfig{Name: "search", Type: TransportHTTP, URL: "http://localhost:9000/mcp"},
		},
		{
			name: "valid sse",
			cfg:  ServerConfig{Name: "events", Type: TransportSSE, URL: "https://example.com/sse"},
		},
		{
			name:    "missing name",
			cfg:     ServerConfig{Type: TransportStdio, Command: "mcp-fs"},
			wantErr: "name is required",
		},
		{
			name:    "name too long",
			cfg:     ServerConfig{Name: strings.Repeat("a", 101), Type: TransportStdio, Command: "x"},
			wantErr: "100 characters or less",
		},
		{
			name:    "name with spaces",
			cfg:     ServerConfig{Name: "my server", Type: TransportStdio, Command: "x"},
			wantErr: "invalid characters",
		},
		{
			name:    "name with separator",
			cfg:     ServerConfig{Name: "a.b", Type: TransportStdio, Command: "x"},
			wantErr: "invalid characters",
		},
		{
			name:    "stdio without command",
			cfg:     ServerConfig{Name: "fs", Type: TransportStdio},
			wantErr: "command is required",
		},
		{
			name:    "http without url",
			cfg:     ServerConfig{Name: "search", Type: TransportHTTP},
			wantErr: "url is required",
		},
		{
			name:    "http with bad url",
			cfg:     ServerConfig{Name: "search", Type: TransportHTTP, URL: "not a url"},
			wantErr: "not a valid URL",
		},
		{
			name:    "unknown type",
			cfg:     ServerConfig{Name: "x", Type: "grpc", Command: "x"},
			wantErr: "type must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSelfRefGuard(t *testing.T) {
	guard := NewSelfRefGuard("toolscope", "toolscope", "@toolscope/toolscope")

	tests := []struct {
		name string
		cfg  ServerConfig
		want bool
	}{
		{
			name: "exact binary name",
			cfg:  ServerConfig{Type: TransportStdio, Command: "toolscope"},
			want: true,
		},
		{
			name: "path ending in binary name",
			cfg:  ServerConfig{Type: TransportStdio, Command: "/usr/local/bin/toolscope"},
			want: true,
		},
		{
			name: "npx with package id",
			cfg:  ServerConfig{Type: TransportStdio, Command: "npx", Args: []string{"-y", "@toolscope/toolscope"}},
			want: true,
		},
		{
			name: "npx with versioned package id",
			cfg:  ServerConfig{Type: TransportStdio, Command: "npx", Args: []string{"toolscope@1.2.0"}},
			want: true,
		},
		{
			name: "uvx with package id",
			cfg:  ServerConfig{Type: TransportStdio, Command: "uvx", Args: []string{"toolscope"}},
			want: true,
		},
		{
			name: "node pointed at own entry file",
			cfg:  ServerConfig{Type: TransportStdio, Command: "node", Args: []string{"./dist/toolscope.js"}},
			want: true,
		},
		{
			name: "python pointed at own entry file",
			cfg:  ServerConfig{Type: TransportStdio, Command: "python3", Args: []string{"/opt/toolscope.py"}},
			want: true,
		},
		{
			name: "ordinary stdio server",
			cfg:  ServerConfig{Type: TransportStdio, Command: "mcp-filesystem", Args: []string{"/data"}},
			want: false,
		},
		{
			name: "npx with other package",
			cfg:  ServerConfig{Type: TransportStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-github"}},
			want: false,
		},
		{
			name: "package id as substring does not match",
			cfg:  ServerConfig{Type: TransportStdio, Command: "npx", Args: []string{"toolscope-extras"}},
			want: false,
		},
		{
			name: "node with other entry file",
			cfg:  ServerConfig{Type: TransportStdio, Command: "node", Args: []string{"server.js"}},
			want: false,
		},
		{
			name: "http transport never guarded",
			cfg:  ServerConfig{Type: TransportHTTP, URL: "http://localhost:1234/toolscope"},
			want: false,
		},
		{
			name: "sse transport never guarded",
			cfg:  ServerConfig{Type: TransportSSE, URL: "http://localhost:1234/toolscope"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := guard.IsSelfReference(&tt.cfg); got != tt.want {
				t.Errorf("IsSelfReference() = %v, want %v", got, tt.want)
			}
		})
	}
}
