package environment_test

import (
	"reflect"
	"testing"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/environment"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		name    string
		env     domain.Environment
		want    []string
		wantErr bool
	}{
		{
			name: "compile then run",
			env:  domain.Environment{Compile: "g++ -o solution solution.cpp", Run: "./solution"},
			want: []string{"sh", "-c", "g++ -o solution solution.cpp && ./solution"},
		},
		{
			name: "interpreted",
			env:  domain.Environment{Run: "python solution.py"},
			want: []string{"python", "solution.py"},
		},
		{
			name: "explicit argv wins",
			env:  domain.Environment{Command: []string{"node", "solution.js"}, Run: "ignored"},
			want: []string{"node", "solution.js"},
		},
		{
			name:    "unterminated quote",
			env:     domain.Environment{Run: `echo "oops`},
			wantErr: true,
		},
		{
			name:    "bad compile",
			env:     domain.Environment{Compile: `g++ 'solution.cpp`, Run: "./solution"},
			wantErr: true,
		},
		{
			name:    "empty",
			env:     domain.Environment{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := environment.Command(tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Command: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Command = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrivileged(t *testing.T) {
	for _, user := range []string{"root", "0", "0:0", "root:wheel"} {
		if !environment.Privileged(user) {
			t.Errorf("Privileged(%q) = false, want true", user)
		}
	}
	for _, user := range []string{"coderunner", "65534:65534", "node", ""} {
		if environment.Privileged(user) {
			t.Errorf("Privileged(%q) = true, want false", user)
		}
	}
}
