// echemlog reconstructs a session from a captured serial log: it reuses the
// frame decoder over the dead byte stream and prints what the device and host
// exchanged, including corrupted frames the codec had to skip.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/voltlab/echemctl/internal/logging"
	"github.com/voltlab/echemctl/internal/protocol"
	"github.com/voltlab/echemctl/internal/replay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "echemlog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("csv", "", "export recovered samples to a CSV file")
	flag.Parse()
	logging.ConfigureRuntime()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: echemlog [-csv out.csv] <capture file>")
	}
	path := flag.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chunks, err := replay.ParseLog(f)
	if err != nil {
		return err
	}
	rep := replay.Analyze(chunks)
	printReport(rep)

	if *out != "" && len(rep.Samples) > 0 {
		if err := exportCSV(*out, rep.Samples); err != nil {
			return err
		}
		fmt.Printf("exported %d samples to %s\n", len(rep.Samples), *out)
	}
	return nil
}

func printReport(rep replay.Report) {
	fmt.Println("=== capture analysis ===")
	for _, c := range rep.Commands {
		switch cmd := c.(type) {
		case protocol.StartSession:
			p := cmd.Params
			fmt.Printf("command: start %s  start=%.3fV end=%.3fV cycles=%d range=%dµA\n",
				p.Method, p.StartVoltage, p.EndVoltage, p.Cycles, p.CurrentRange)
		case protocol.StopSession:
			fmt.Println("command: stop")
		default:
			fmt.Printf("command: %s\n", c.Type())
		}
	}

	fmt.Printf("device frames: %d  samples: %d  device errors: %d\n",
		len(rep.Frames), len(rep.Samples), len(rep.DeviceErrors))
	for _, e := range rep.DeviceErrors {
		fmt.Printf("device error: code=%d %s\n", e.Code, e.Message)
	}
	if rep.Completed != nil {
		fmt.Printf("completion: device declared %d samples\n", rep.Completed.SampleCount)
		if int(rep.Completed.SampleCount) != len(rep.Samples) {
			fmt.Printf("warning: declared count disagrees with %d recovered samples\n", len(rep.Samples))
		}
	} else {
		fmt.Println("completion: none (session never finished in this capture)")
	}
	if n := len(rep.HostFaults) + len(rep.DeviceFaults); n > 0 {
		fmt.Printf("corrupted frames skipped: %d\n", n)
	}

	if rep.Stats.Points > 0 {
		st := rep.Stats
		fmt.Printf("voltage: [%.4f, %.4f] V\n", st.VoltageMin, st.VoltageMax)
		fmt.Printf("current: [%.4f, %.4f] µA, mean %.4f\n", st.CurrentMin, st.CurrentMax, st.CurrentMean)
		fmt.Printf("cycles: %d\n", st.Cycles)
	}
}

func exportCSV(path string, samples []protocol.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"voltage_v", "current_ua", "cycle"}); err != nil {
		return err
	}
	for _, s := range samples {
		rec := []string{
			strconv.FormatFloat(s.Voltage, 'f', 4, 64),
			strconv.FormatFloat(s.Current, 'f', 4, 64),
			strconv.FormatUint(uint64(s.Cycle), 10),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
