package environment

import (
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

const (
	defaultWorkDir = "/code"
	defaultUser    = "coderunner"
)

// Defaults returns the built-in environments. The cpp and java images are built
// from the images/ Dockerfiles; the interpreted languages use upstream images with
// the nobody identity.
func Defaults() []domain.Environment {
	return []domain.Environment{
		{
			Language:     "cpp",
			Name:         "C++",
			Image:        "sandboxd/cpp:latest",
			SourceFile:   "solution.cpp",
			WorkDir:      defaultWorkDir,
			User:         defaultUser,
			Compile:      "g++ -O2 -o solution solution.cpp",
			Run:          "./solution",
			Limits:       domain.Limits{WallTime: 10 * time.Second},
			MemoryErrors: []string{"std::bad_alloc"},
		},
		{
			Language:   "c",
			Name:       "C",
			Image:      "sandboxd/cpp:latest",
			SourceFile: "solution.c",
			WorkDir:    defaultWorkDir,
			User:       defaultUser,
			Compile:    "gcc -O2 -o solution solution.c",
			Run:        "./solution",
			Limits:     domain.Limits{WallTime: 10 * time.Second},
		},
		{
			Language:     "java",
			Name:         "Java",
			Image:        "sandboxd/java:latest",
			SourceFile:   "Solution.java",
			WorkDir:      defaultWorkDir,
			User:         defaultUser,
			Compile:      "javac Solution.java",
			Run:          "java Solution",
			Limits:       domain.Limits{WallTime: 15 * time.Second, MaxProcesses: 128},
			MemoryErrors: []string{"java.lang.OutOfMemoryError"},
		},
		{
			Language:     "python",
			Name:         "Python",
			Image:        "python:3.11-slim",
			SourceFile:   "solution.py",
			WorkDir:      defaultWorkDir,
			User:         "65534:65534",
			Run:          "python solution.py",
			MemoryErrors: []string{"MemoryError"},
		},
		{
			Language:     "javascript",
			Name:         "JavaScript",
			Image:        "node:18-alpine",
			SourceFile:   "solution.js",
			WorkDir:      defaultWorkDir,
			User:         "node",
			Run:          "node solution.js",
			MemoryErrors: []string{"JavaScript heap out of memory"},
		},
	}
}
