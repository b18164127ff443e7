package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

type (
	Arch string

	Stage int

	// Options control a single build.
	Options struct {
		Target Arch   `yaml:"target"`
		Source string `yaml:"source"`
		Output string `yaml:"output,omitempty"`

		DumpIR bool `yaml:"dump_ir,omitempty"`

		// StopAssemble stops after assembly text is produced.
		StopAssemble bool `yaml:"stop_assemble,omitempty"`
		// StopLink stops after the unlinked object is produced.
		StopLink bool `yaml:"stop_link,omitempty"`
	}

	UnsupportedTargetError struct {
		Target string
	}
)

const (
	X86_64 Arch = "x86_64"
)

const (
	StageExecutable Stage = iota
	StageObject
	StageAssembly
)

const DefaultFile = "peachili.yaml"

func Default() Options {
	return Options{
		Target: X86_64,
	}
}

// Load reads a project file over the defaults.
func Load(name string) (o Options, err error) {
	o = Default()

	data, err := os.ReadFile(name)
	if err != nil {
		return o, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err = dec.Decode(&o)
	if err != nil {
		return o, errors.Wrap(err, "decode config %v", name)
	}

	o.Target, err = ParseArch(string(o.Target))
	if err != nil {
		return o, err
	}

	return o, nil
}

func ParseArch(s string) (Arch, error) {
	switch s {
	case "x86_64", "x86-64", "amd64":
		return X86_64, nil
	default:
		return "", UnsupportedTargetError{Target: s}
	}
}

// Stage is the last pipeline stage to run.
func (o Options) Stage() Stage {
	switch {
	case o.StopAssemble:
		return StageAssembly
	case o.StopLink:
		return StageObject
	default:
		return StageExecutable
	}
}

func (o Options) OutputName() string {
	if o.Output != "" {
		return o.Output
	}

	switch o.Stage() {
	case StageAssembly:
		return "out.s"
	case StageObject:
		return "out.o"
	default:
		return "a.out"
	}
}

// Mode is the permission bits of the output file.
func (s Stage) Mode() os.FileMode {
	if s == StageExecutable {
		return 0o755
	}

	return 0o644
}

func (s Stage) String() string {
	switch s {
	case StageExecutable:
		return "executable"
	case StageObject:
		return "object"
	case StageAssembly:
		return "assembly"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (e UnsupportedTargetError) Error() string {
	return fmt.Sprintf("unsupported target: %q", e.Target)
}
