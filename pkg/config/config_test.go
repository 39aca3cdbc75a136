package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
)

func TestLoad(t *testing.T) {
	c, err := Load(strings.NewReader(`
aliases:
  object: ["o", "obj"]
hub-chain-limit: 5
tagged-origins: true
origin-tag: 0xdeadbeef
object-cache-size: 16
watchpoint-limit: 2
watchpoint-relocation: lazy
heap-scheme: mark-sweep
auto-resume-gc: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.TaggedOrigins == nil || !*c.TaggedOrigins {
		t.Errorf("tagged-origins not loaded: %v", c.TaggedOrigins)
	}
	sc, err := c.SessionConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := tele.SessionConfig{
		Heap: tele.HeapConfig{
			HubChainLimit:   5,
			OriginTag:       0xdeadbeef,
			ObjectCacheSize: 16,
			Scheme:          "mark-sweep",
		},
		WatchpointLimit:      2,
		WatchpointRelocation: tele.LazyRelocation,
		AutoResumeGC:         true,
	}
	if sc != want {
		t.Errorf("session config mismatch:\n got %+v\nwant %+v", sc, want)
	}
}

func TestDefaultConfigIsEmpty(t *testing.T) {
	c, err := Load(strings.NewReader(defaultConfig))
	if err != nil {
		t.Fatal(err)
	}
	sc, err := c.SessionConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc != (tele.SessionConfig{}) {
		t.Errorf("default config is not the zero session config: %+v", sc)
	}
}

func TestSessionConfigErrors(t *testing.T) {
	for _, c := range []Config{
		{WatchpointRelocation: "sometimes"},
		{HubChainLimit: -1},
		{ObjectCacheSize: -3},
	} {
		if _, err := c.SessionConfig(); err == nil {
			t.Errorf("expected an error for %+v", c)
		}
	}
	if _, err := Load(strings.NewReader("hub-chain-limit: [")); err == nil {
		t.Error("expected a decoding error")
	}
}

func TestExpand(t *testing.T) {
	c := &Config{Aliases: map[string][]string{"object": {"o", "obj"}}}
	if got := c.Expand([]string{"obj", "0x1040"}); !reflect.DeepEqual(got, []string{"object", "0x1040"}) {
		t.Errorf("alias not expanded: %v", got)
	}
	if got := c.Expand([]string{"region", "0x1040"}); !reflect.DeepEqual(got, []string{"region", "0x1040"}) {
		t.Errorf("non alias changed: %v", got)
	}
	if got := c.Expand(nil); got != nil {
		t.Errorf("empty query changed: %v", got)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)

	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.HubChainLimit != 0 || c.WatchpointRelocation != "" {
		t.Errorf("unexpected default config %+v", c)
	}
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if string(data) != defaultConfig {
		t.Errorf("default config file has unexpected contents:\n%s", data)
	}

	c.HubChainLimit = 7
	c.WatchpointRelocation = "lazy"
	if err := SaveConfig(c); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c2.HubChainLimit != 7 || c2.WatchpointRelocation != "lazy" {
		t.Errorf("saved config not reloaded: %+v", c2)
	}
}
