package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskFile is a task description loadable from YAML, an alternative to
// spelling the whole task out in flags:
//
//	device: emulator-5554
//	shell: [./bench, model.bin]
//	inputs: [model.bin]
//	outputs: [result.json]
type TaskFile struct {
	Device  string   `yaml:"device"`
	Shell   []string `yaml:"shell"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
	User    string   `yaml:"user"`
}

// LoadTaskFile reads and validates a YAML task file.
func LoadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if len(tf.Shell) == 0 {
		return nil, fmt.Errorf("task file %s: shell must not be empty", path)
	}
	if tf.Device == "" {
		return nil, fmt.Errorf("task file %s: device is required", path)
	}
	return &tf, nil
}

// Apply folds the file into opts; values already set on opts win, so flags
// override the file.
func (tf *TaskFile) Apply(opts RunOptions) RunOptions {
	if opts.DeviceID == "" {
		opts.DeviceID = tf.Device
	}
	if len(opts.Shell) == 0 {
		opts.Shell = tf.Shell
	}
	if len(opts.Inputs) == 0 {
		opts.Inputs = tf.Inputs
	}
	if len(opts.Outputs) == 0 {
		opts.Outputs = tf.Outputs
	}
	if opts.User == "" {
		opts.User = tf.User
	}
	return opts
}
