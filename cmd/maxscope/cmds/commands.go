package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-maxine/maxscope/pkg/config"
	"github.com/go-maxine/maxscope/pkg/logflags"
	"github.com/go-maxine/maxscope/pkg/tele"
	"github.com/go-maxine/maxscope/pkg/tele/image"
	"github.com/go-maxine/maxscope/pkg/tele/native"
	"github.com/go-maxine/maxscope/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// noColor disables colored output.
	noColor bool

	// setupQueries run after the session is initialized.
	setupQueries []string
	// queriesAfter run once the target stopped for the last time.
	queriesAfter []string
	// relocation overrides the watchpoint relocation mode of the config file.
	relocation string
	// autoResumeGC overrides the config file.
	autoResumeGC bool

	// tablesPath is the scenario describing the runtime tables of an
	// attached process.
	tablesPath string
	// continueOnStart resumes an attached process after the setup queries.
	continueOnStart bool

	conf *config.Config
)

const maxscopeCommandLongDesc = `maxscope inspects the state of a virtual machine through its memory.

It keeps track of the heap regions, the compiled code and the threads of the
VM, resolves addresses to objects and follows objects moved by the garbage
collector. Breakpoints and watchpoints survive code eviction and object
relocation.

Targets are either scenario files describing a VM image and the state
transitions it goes through, or live processes on Linux.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main maxscope root command.
	rootCommand := &cobra.Command{
		Use:           "maxscope",
		Short:         "maxscope is an inspector for virtual machines.",
		Long:          maxscopeCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'maxscope help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'maxscope help log').")
	rootCommand.PersistentFlags().BoolVarP(&noColor, "no-color", "", false, "Disable colored output.")
	addSessionFlags(rootCommand.PersistentFlags())

	// 'inspect' subcommand.
	inspectCommand := &cobra.Command{
		Use:   "inspect <scenario.yml>",
		Short: "Replay a scenario and print every state of the VM.",
		Long: `Replay a scenario and print every state of the VM.

The scenario file describes a VM image: its memory, the runtime tables
describing its heap and its compiled code, and the events the VM goes
through. Every event is handed to the inspector and every state it publishes
is printed. Setup queries run before the first event, queries given with
--query run after the last one.`,
		Args: cobra.ExactArgs(1),
		RunE: inspectCmd,
	}
	inspectCommand.Flags().StringArrayVarP(&queriesAfter, "query", "q", nil, "Query to run after the last event, can be repeated.")
	rootCommand.AddCommand(inspectCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach to a running VM process.",
		Long: `Attach to a running VM process and inspect it.

The process is stopped while attaching. The runtime tables of the VM, which
describe its heap and its compiled code, are read from the scenario given
with --tables. Queries given with --setup run once attached. With --continue
the process is resumed and every state is printed until it exits or until
interrupted, which pauses it. maxscope detaches before exiting.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().StringVar(&tablesPath, "tables", "", "Scenario file describing the runtime tables of the VM.")
	attachCommand.Flags().BoolVar(&continueOnStart, "continue", false, "Resume the process after the setup queries.")
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maxscope\n%s\n", version.MaxscopeVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "queries",
		Short: "Help about queries.",
		Long: `Queries inspect the VM or set triggers in it. Arguments containing spaces
must be quoted. Addresses are written in Go syntax, usually hexadecimal.
Aliases for queries can be defined in the configuration file.

` + queryHelp(),
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log commands and state transitions of the session
	heap		Log heap region refreshes
	code		Log compilations and evictions
	breakpoints	Log breakpoint changes and hits
	watchpoints	Log watchpoint changes, relocations and hits
	state		Log the published states
	native		Log process control of live processes

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addSessionFlags adds the flags shared by every command that starts a
// session.
func addSessionFlags(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&setupQueries, "setup", "s", nil, "Query to run before the target resumes, can be repeated (see 'maxscope help queries').")
	fs.StringVar(&relocation, "relocation", "", "Watchpoint relocation mode, eager or lazy. Overrides the config file.")
	fs.BoolVar(&autoResumeGC, "auto-resume-gc", false, "Resume the target at the start and end of collections.")
}

// sessionConfig loads the configuration file and applies the command line
// overrides.
func sessionConfig() (tele.SessionConfig, error) {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if relocation != "" {
		conf.WatchpointRelocation = relocation
	}
	if autoResumeGC {
		conf.AutoResumeGC = true
	}
	return conf.SessionConfig()
}

func loadScenario(path string) (*image.Image, error) {
	sc, err := image.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	if conf != nil && conf.TaggedOrigins != nil {
		sc.TaggedOrigins = *conf.TaggedOrigins
	}
	return image.New(sc)
}

func runQueries(in *inspector, lines []string) error {
	for _, line := range lines {
		in.out.printf("%s\n", in.out.styled(styleHeader, "> %s", line))
		if err := in.run(line); err != nil {
			if errors.Is(err, tele.ErrVMBusy) {
				return fmt.Errorf("%s: %w", line, err)
			}
			in.out.errorf("%v", err)
		}
	}
	return nil
}

func inspectCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	cfg, err := sessionConfig()
	if err != nil {
		return err
	}
	img, err := loadScenario(args[0])
	if err != nil {
		return err
	}
	out := newStdoutPrinter(noColor)
	return inspect(img, cfg, out, setupQueries, queriesAfter)
}

// inspect replays the events of img and prints every state. The setup
// queries run before the first event, after runs once all events have
// been delivered.
func inspect(img *image.Image, cfg tele.SessionConfig, out *printer, setup, after []string) error {
	s, err := tele.NewSession(img, img, cfg)
	if err != nil {
		return err
	}
	if err := s.Initialize(); err != nil {
		return err
	}
	out.code = s.Code()
	in := &inspector{s: s, conf: conf, out: out}

	out.printState(s.State())
	if err := runQueries(in, setup); err != nil {
		return err
	}
	s.AddVMStateListener(out)
	err = img.Replay(s, nil)
	s.RemoveVMStateListener(out)
	if err != nil {
		return err
	}
	return runQueries(in, after)
}

func attachCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	if tablesPath == "" {
		return errors.New("you must provide the runtime tables with --tables")
	}
	cfg, err := sessionConfig()
	if err != nil {
		return err
	}
	tables, err := loadScenario(tablesPath)
	if err != nil {
		return err
	}

	p, err := native.Attach(pid, tables.Info())
	if err != nil {
		return err
	}
	s, err := tele.NewSession(p, tables, cfg)
	if err != nil {
		p.Detach()
		return err
	}
	if err := s.Initialize(); err != nil {
		p.Detach()
		return err
	}
	out := newStdoutPrinter(noColor)
	out.code = s.Code()
	in := &inspector{s: s, conf: conf, out: out}
	out.printState(s.State())
	if err := runQueries(in, setupQueries); err != nil {
		p.Detach()
		return err
	}
	if !continueOnStart {
		return p.Detach()
	}

	s.AddVMStateListener(out)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go func() {
		for range ch {
			if err := s.Pause(context.Background(), false); err != nil {
				out.errorf("could not pause: %v", err)
			}
		}
	}()

	if err := s.Resume(context.Background(), false); err != nil {
		p.Detach()
		return err
	}
	return follow(s, p)
}

// follow hands the events of p to s until the target stops for a reason
// worth reporting, then detaches.
func follow(s *tele.Session, p *native.Process) error {
	for {
		ev, err := p.Wait()
		if err != nil {
			return err
		}
		if _, err := s.HandleEvent(ev); err != nil {
			return err
		}
		switch s.State().ProcessState() {
		case tele.Terminated:
			return nil
		case tele.Stopped:
			return p.Detach()
		}
	}
}
