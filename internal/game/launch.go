package game

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Engines from this version on take the long form of the home directory flag.
const longHomedirFlagSince = "v5.0.0"

// Runnable is what the run supervisor needs from an installation. *Installation
// implements it by reading the disk; tests substitute a stub.
type Runnable interface {
	Dir() string
	GameJarPath() (string, error)
	EngineVersion() (string, error)
}

// LaunchOptions are the user settings passed through to the game process.
type LaunchOptions struct {
	MaxHeapSize         string
	MinHeapSize         string
	ExtraJavaParameters []string
	ExtraGameParameters []string
	GameDataDirectory   string
}

// LaunchSpec is a fully resolved process invocation.
type LaunchSpec struct {
	Executable    string
	Args          []string
	Dir           string
	EngineVersion string
}

// BuildLaunchSpec resolves the entry point and engine version of inst and assembles
// the java command line.
func BuildLaunchSpec(javaBin string, inst Runnable, opts LaunchOptions) (LaunchSpec, error) {
	jar, err := inst.GameJarPath()
	if err != nil {
		return LaunchSpec{}, err
	}

	engineVersion, err := inst.EngineVersion()
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("failed to determine engine version: %w", err)
	}

	var args []string

	if opts.MinHeapSize != "" {
		args = append(args, "-Xms"+opts.MinHeapSize)
	}

	if opts.MaxHeapSize != "" {
		args = append(args, "-Xmx"+opts.MaxHeapSize)
	}

	args = append(args, opts.ExtraJavaParameters...)
	args = append(args, "-jar", jar)

	if opts.GameDataDirectory != "" {
		args = append(args, homedirFlag(engineVersion)+opts.GameDataDirectory)
	}

	args = append(args, opts.ExtraGameParameters...)

	return LaunchSpec{
		Executable:    javaBin,
		Args:          args,
		Dir:           inst.Dir(),
		EngineVersion: engineVersion,
	}, nil
}

func homedirFlag(engineVersion string) string {
	if semver.Compare("v"+engineVersion, longHomedirFlagSince) >= 0 {
		return "--homedir="
	}

	return "-homedir="
}
