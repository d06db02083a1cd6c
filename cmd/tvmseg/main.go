// tvmseg - drives the tensor-program VM from the command line: runs a
// program whole, or steps through it segment by segment in an interactive
// console.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/registry"
	"github.com/HayeonP/tvm-segment/trace"
	"github.com/HayeonP/tvm-segment/vm"
	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tvmseg",
		Short: "Tensor-program VM with segmented execution",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel  string
		traceOut  string
		viewerURL string
	)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&traceOut, "trace", "", "write a JSONL call trace to this file")
	rootCmd.PersistentFlags().StringVar(&viewerURL, "viewer", "", "serve a live trace viewer on this address")

	runCmd := &cobra.Command{
		Use:   "run [inputs...]",
		Short: "Run the demo program monolithically",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			machine, err := setupVM(traceOut, viewerURL)
			if err != nil {
				return err
			}
			inputs, err := parseInputs(args)
			if err != nil {
				return err
			}
			mainFn, ok := machine.GetFunction("main")
			if !ok {
				return fmt.Errorf("main function not found")
			}
			out, err := mainFn(inputs)
			if err != nil {
				return err
			}
			fmt.Println(out.String())
			return nil
		},
	}

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Step through the demo program segment by segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			machine, err := setupVM(traceOut, viewerURL)
			if err != nil {
				return err
			}
			return runConsole(machine)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tvmseg %s (%s)\n", Version, Commit)
		},
	}

	rootCmd.AddCommand(runCmd, consoleCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerDemoKernels() {
	registry.Register("native_add", func(args []vmtypes.Value) (vmtypes.Value, error) {
		return vmtypes.IntValue(args[0].Int() + args[1].Int()), nil
	})
	registry.Register("native_mul", func(args []vmtypes.Value) (vmtypes.Value, error) {
		return vmtypes.IntValue(args[0].Int() * args[1].Int()), nil
	})
}

// demoExecutable builds main(x) = (x + 3) * 2 as a two-call program.
func demoExecutable() (*exec.Executable, error) {
	b := exec.NewBuilder()
	add := b.DeclareNative("native_add")
	mul := b.DeclareNative("native_mul")
	b.BeginFunc("main", 8, "x")
	b.EmitCall(1, add, exec.ArgRegister(0), exec.ArgImmediate(3))
	b.EmitCall(2, mul, exec.ArgRegister(1), exec.ArgImmediate(2))
	b.EmitRet(2)
	return b.Build()
}

func setupVM(traceOut, viewerURL string) (*vm.VM, error) {
	registerDemoKernels()
	e, err := demoExecutable()
	if err != nil {
		return nil, err
	}
	machine := vm.NewVM()
	machine.LoadExecutable(e)
	err = machine.Init(
		[]vmtypes.Device{{Type: vmtypes.DeviceCPU, ID: 0}},
		[]memory.AllocatorType{memory.AllocatorPooled},
	)
	if err != nil {
		return nil, err
	}

	if traceOut != "" || viewerURL != "" {
		var rec *trace.Recorder
		if traceOut != "" {
			f, err := os.Create(traceOut)
			if err != nil {
				return nil, err
			}
			rec = trace.NewRecorder(f)
		} else {
			rec = trace.NewRecorder(nil)
		}
		if viewerURL != "" {
			viewer, err := trace.AttachViewer(viewerURL)
			if err != nil {
				return nil, err
			}
			rec.SetViewer(viewer)
		}
		machine.SetInstrument(rec.Hook())
	}
	return machine, nil
}

func parseInputs(args []string) ([]vmtypes.Value, error) {
	inputs := make([]vmtypes.Value, len(args))
	for i, a := range args {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("input %q is not an integer", a)
		}
		inputs[i] = vmtypes.IntValue(n)
	}
	if len(inputs) == 0 {
		inputs = []vmtypes.Value{vmtypes.IntValue(5)}
	}
	return inputs, nil
}

const consoleHelp = `commands:
  skeleton          print the call skeleton of main
  load <file>       load a runtime sequence from a file
  input <ints...>   seed the persistent frame
  run <i>           execute segment i
  output            read the result
  quit`

func runConsole(machine *vm.VM) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "seg> ",
		HistoryFile: "/tmp/tvmseg_console_history.txt",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println(consoleHelp)
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "skeleton":
			skel, err := machine.SegmentRunnerGetSkeleton()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Print(skel)
		case "load":
			if len(fields) != 2 {
				fmt.Println("usage: load <file>")
				continue
			}
			data, err := os.ReadFile(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("segments:", machine.SegmentRunnerLoad(string(data)))
		case "input":
			inputs, err := parseInputs(fields[1:])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if machine.SegmentRunnerSetInput(inputs) != 0 {
				fmt.Println("set_input failed")
			}
		case "run":
			if len(fields) != 2 {
				fmt.Println("usage: run <i>")
				continue
			}
			id, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if machine.SegmentRunnerRun(id) < 0 {
				fmt.Println("run failed")
			}
		case "output":
			out, err := machine.SegmentRunnerGetOutputValue()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(out.String())
		case "quit", "exit":
			return nil
		default:
			fmt.Println(consoleHelp)
		}
	}
}
