package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/go-maxine/maxscope/pkg/tele"
)

const (
	configDir  string = ".maxscope"
	configFile string = "config.yml"

	// ConfigDirEnv, when set, replaces the configuration directory.
	ConfigDirEnv = "MAXSCOPE_CONFIG_DIR"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Query aliases, keyed by the query they expand to.
	Aliases map[string][]string `yaml:"aliases"`

	// HubChainLimit is the number of hub pointers followed when checking
	// an object origin in targets without tagged origins.
	HubChainLimit int `yaml:"hub-chain-limit,omitempty"`
	// TaggedOrigins overrides whether the target writes a tag word before
	// every object.
	TaggedOrigins *bool `yaml:"tagged-origins,omitempty"`
	// OriginTag is the tag word written before objects in tagged builds.
	OriginTag uint64 `yaml:"origin-tag,omitempty"`
	// ObjectCacheSize is the number of object surrogates cached between
	// collections.
	ObjectCacheSize int `yaml:"object-cache-size,omitempty"`

	// WatchpointLimit lowers the number of watchpoints below what the
	// platform supports.
	WatchpointLimit int `yaml:"watchpoint-limit,omitempty"`
	// WatchpointRelocation is either "eager" or "lazy".
	WatchpointRelocation string `yaml:"watchpoint-relocation,omitempty"`

	// HeapScheme overrides the collector named by the target.
	HeapScheme string `yaml:"heap-scheme,omitempty"`

	// AutoResumeGC resumes the target after the stops at the start and
	// the end of every collection.
	AutoResumeGC bool `yaml:"auto-resume-gc,omitempty"`
}

// SessionConfig returns the inspection session configuration described by c.
func (c *Config) SessionConfig() (tele.SessionConfig, error) {
	reloc, err := tele.RelocationModeFor(c.WatchpointRelocation)
	if err != nil {
		return tele.SessionConfig{}, err
	}
	if c.HubChainLimit < 0 {
		return tele.SessionConfig{}, fmt.Errorf("hub-chain-limit must not be negative: %d", c.HubChainLimit)
	}
	if c.ObjectCacheSize < 0 {
		return tele.SessionConfig{}, fmt.Errorf("object-cache-size must not be negative: %d", c.ObjectCacheSize)
	}
	return tele.SessionConfig{
		Heap: tele.HeapConfig{
			HubChainLimit:   c.HubChainLimit,
			OriginTag:       c.OriginTag,
			ObjectCacheSize: c.ObjectCacheSize,
			Scheme:          c.HeapScheme,
		},
		WatchpointLimit:      c.WatchpointLimit,
		WatchpointRelocation: reloc,
		AutoResumeGC:         c.AutoResumeGC,
	}, nil
}

// Expand replaces the first field of a query with the query its alias
// names, if it is an alias.
func (c *Config) Expand(fields []string) []string {
	if len(fields) == 0 || c == nil {
		return fields
	}
	for name, aliases := range c.Aliases {
		for _, alias := range aliases {
			if alias == fields[0] {
				return append([]string{name}, fields[1:]...)
			}
		}
	}
	return fields
}

// LoadConfig attempts to populate a Config object from the config.yml file,
// writing the default file first if there is none.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
		return Load(bytes.NewBufferString(defaultConfig))
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a configuration.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
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

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfig); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

const defaultConfig = `# Configuration file for maxscope.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given query.
aliases:
  # object: ["o", "obj"]

# Number of hub pointers followed when checking an object origin.
# hub-chain-limit: 3

# Override whether the VM writes a tag word before every object, and its value.
# tagged-origins: true
# origin-tag: 0xcafebabecafebabe

# Number of object surrogates kept between collections.
# object-cache-size: 1024

# Lower the number of watchpoints below what the platform supports.
# watchpoint-limit: 4

# Move watchpoints on relocated objects as soon as a collection completes
# (eager) or when they are next used (lazy).
# watchpoint-relocation: eager

# Override the heap scheme named by the VM (semispace, mark-sweep).
# heap-scheme: semispace

# Resume the VM at the start and at the end of every collection.
# auto-resume-gc: true
`

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
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return filepath.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
