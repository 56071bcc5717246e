package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".threadctl"
	configFile string = "config.yml"

	defaultJoinTimeout      = 3 * time.Second
	defaultTlsSlotsShown    = 8
	defaultDisassembleCount = 10
	maxTlsSlotsShown        = 64
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// JoinTimeout is used by the join command when no timeout is given.
	JoinTimeout *time.Duration `yaml:"join-timeout,omitempty"`

	// TlsSlotsShown is the number of TLS slots the tls command prints when
	// no count is given.
	TlsSlotsShown *int `yaml:"tls-slots-shown,omitempty"`

	// If DisassembleAtPC is true the regs command also disassembles the
	// instructions at the program counter.
	DisassembleAtPC bool `yaml:"disassemble-at-pc"`

	// DisassembleCount is the number of instructions disasm prints by
	// default.
	DisassembleCount *int `yaml:"disassemble-count,omitempty"`

	// DisassembleFlavor is either "intel" (the default) or "gnu".
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`

	// Prompt color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	PromptColor int `yaml:"prompt-color,omitempty"`
}

// GetJoinTimeout returns the configured join timeout or the default of
// three seconds.
func (c *Config) GetJoinTimeout() time.Duration {
	if c == nil || c.JoinTimeout == nil {
		return defaultJoinTimeout
	}
	return *c.JoinTimeout
}

// GetTlsSlotsShown returns the number of TLS slots to print, between 1 and
// 64.
func (c *Config) GetTlsSlotsShown() int {
	if c == nil || c.TlsSlotsShown == nil || *c.TlsSlotsShown <= 0 {
		return defaultTlsSlotsShown
	}
	if *c.TlsSlotsShown > maxTlsSlotsShown {
		return maxTlsSlotsShown
	}
	return *c.TlsSlotsShown
}

// GetDisassembleCount returns the number of instructions disasm prints.
func (c *Config) GetDisassembleCount() int {
	if c == nil || c.DisassembleCount == nil || *c.DisassembleCount <= 0 {
		return defaultDisassembleCount
	}
	return *c.DisassembleCount
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decodeConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the config file at path. Unlike LoadConfig it does
// not create a default file and reports every failure.
func LoadConfigFrom(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	switch c.DisassembleFlavor {
	case "", "intel", "gnu":
	default:
		return nil, fmt.Errorf("unknown disassemble-flavor %q", c.DisassembleFlavor)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	if err := createConfigPath(); err != nil {
		return err
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for threadctl.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Uncomment the following line and set your preferred ANSI foreground color
# for the prompt of the interactive terminal.
# prompt-color: 34

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Timeout used by join when none is given.
# join-timeout: 3s

# Number of TLS slots printed by tls when no count is given (at most 64).
# tls-slots-shown: 8

# Uncomment the following line to make regs also disassemble at the program counter.
# disassemble-at-pc: true

# Number of instructions printed by disasm and its syntax (intel or gnu).
# disassemble-count: 10
# disassemble-flavor: intel
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir, err := homedir.Dir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
