package domain

// Environment describes one immutable, language-specific execution image.
// The set of environments is closed: one descriptor per supported language.
type Environment struct {
	Language string `json:"language" yaml:"-"`
	Name     string `json:"name" yaml:"name"`
	Image    string `json:"image" yaml:"image"`

	// SourceFile is the fixed file name the entrypoint expects, relative to WorkDir.
	SourceFile string `json:"source_file" yaml:"source_file"`
	WorkDir    string `json:"-" yaml:"work_dir"`
	User       string `json:"-" yaml:"user"`

	// Command is an explicit argv. When empty it is built from Compile and Run.
	Command []string `json:"-" yaml:"command"`
	Compile string   `json:"compile,omitempty" yaml:"compile"`
	Run     string   `json:"run" yaml:"run"`

	// MemoryErrors are stderr fragments the runtime prints when an allocation
	// fails, such as "MemoryError". A failed run showing one is memory_exceeded.
	MemoryErrors []string `json:"-" yaml:"memory_errors"`

	// Limits overrides the service defaults for this language.
	Limits Limits `json:"-" yaml:"-"`
}
