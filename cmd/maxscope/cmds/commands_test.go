package cmds

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-maxine/maxscope/pkg/config"
	"github.com/go-maxine/maxscope/pkg/tele"
	"github.com/go-maxine/maxscope/pkg/tele/image"
)

func loadTestImage(t *testing.T) *image.Image {
	t.Helper()
	img, err := image.Load("testdata/gc.yml")
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestInspect(t *testing.T) {
	conf = &config.Config{Aliases: map[string][]string{"watch-object": {"wo"}}}
	defer func() { conf = nil }()

	var buf bytes.Buffer
	out := &printer{w: &buf}
	setup := []string{
		"break Foo.bar()V 3",
		"wo 0x6000",
		"object 0x6000",
	}
	after := []string{
		"state 2",
		"object 0x6000",
		"watchpoints",
		"breakpoints",
		"heap",
		"read 0x5000 3",
		"threads",
		"nonsense",
	}
	if err := inspect(loadTestImage(t), tele.SessionConfig{}, out, setup, after); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{
		"state 0: stopped",
		"object@0x6000(hub=0x1020, size=24)",
		"breakpoint 1 at Foo.bar()V:3",
		"hit by thread 1",
		"in GC",
		"0x6000: forwarded to 0x5000",
		"object@0x5000(hub=0x1020, size=24)",
		"[0x5000-0x5018)",
		"hit 1 times",
		"collections started 1 completed 1",
		"0x5010: 0x000000000000002a",
		"sp=0x90c0 fp=0x90e0",
		`unknown query "nonsense"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output does not contain %q:\n%s", want, got)
		}
	}
}

func TestQueryErrors(t *testing.T) {
	img := loadTestImage(t)
	s, err := tele.NewSession(img, img, tele.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	in := &inspector{s: s, out: &printer{w: &buf, code: s.Code()}}

	for _, tc := range []struct {
		line string
		err  string
	}{
		{"region", "usage: region <addr>"},
		{"region zz", `bad address "zz"`},
		{"read 0x1000 -1", `bad word count "-1"`},
		{"state 0", `bad state count "0"`},
		{"watch 0x6000 8 q", `bad watchpoint settings "q"`},
		{"break Foo", "malformed method name"},
	} {
		err := in.run(tc.line)
		if err == nil || !strings.Contains(err.Error(), tc.err) {
			t.Errorf("%q: expected error containing %q, got %v", tc.line, tc.err, err)
		}
	}
	if err := in.run("   "); err != nil {
		t.Errorf("blank query: %v", err)
	}
}

func TestQueries(t *testing.T) {
	img := loadTestImage(t)
	s, err := tele.NewSession(img, img, tele.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	in := &inspector{s: s, out: &printer{w: &buf, code: s.Code()}}

	for _, tc := range []struct {
		line string
		want string
	}{
		{"valid 0x1040", "0x1040: true"},
		{"valid 0x1048", "0x1048: false"},
		{"region 0xa010", "Foo.bar()V"},
		{"region 0x20000", "0x20000: unknown memory"},
		{"code Foo", "Foo.bar()V"},
		{"break 0xa010", "client breakpoint 1 at 0xa010"},
		{"watch 0x6000 8 rw", "(rw-"},
		{"watchpoints", "[0x6000-0x6008)"},
	} {
		buf.Reset()
		if err := in.run(tc.line); err != nil {
			t.Errorf("%q: %v", tc.line, err)
			continue
		}
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("%q: output does not contain %q:\n%s", tc.line, tc.want, buf.String())
		}
	}
	if bps := img.Breakpoints(); len(bps) != 1 || bps[0] != 0xa010 {
		t.Errorf("breakpoints installed in the image: %v", bps)
	}
	if ws := img.Watches(); len(ws) != 1 || !ws[0].Settings.Read {
		t.Errorf("watchpoints activated in the image: %+v", ws)
	}
}

func TestPrinterLocation(t *testing.T) {
	img := loadTestImage(t)
	s, err := tele.NewSession(img, img, tele.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	p := &printer{code: s.Code()}
	for addr, want := range map[tele.Address]string{
		0xa010: "0xa010 (Foo.bar()V:3",
		0xa024: "0xa024 (Foo.bar()V+0x24)",
		0x3000: "0x3000",
	} {
		if got := p.location(addr); !strings.HasPrefix(got, want) {
			t.Errorf("location(%v) = %q, want prefix %q", addr, got, want)
		}
	}
}

func TestParseSettings(t *testing.T) {
	s, err := parseSettings("")
	if err != nil || !s.Write || s.Read || s.Exec || s.EnabledDuringGC {
		t.Errorf("default settings %+v, %v", s, err)
	}
	s, err = parseSettings("rxg")
	if err != nil || s.Write || !s.Read || !s.Exec || !s.EnabledDuringGC {
		t.Errorf("rxg settings %+v, %v", s, err)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := New()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "maxscope\nVersion: ") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}

func TestInspectCommand(t *testing.T) {
	t.Setenv(config.ConfigDirEnv, t.TempDir())
	cmd := New()
	cmd.SetArgs([]string{"inspect", "--no-color", "-q", "heap", "testdata/gc.yml"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	cmd = New()
	cmd.SetArgs([]string{"inspect", "--relocation", "sideways", "testdata/gc.yml"})
	if err := cmd.Execute(); err == nil {
		t.Errorf("bad relocation mode accepted")
	}
	relocation = ""

	cmd = New()
	cmd.SetArgs([]string{"attach", "1"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--tables") {
		t.Errorf("attach without tables: %v", err)
	}
}
