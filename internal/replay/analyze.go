package replay

import (
	"github.com/voltlab/echemctl/internal/protocol"
)

// Stats summarizes the telemetry recovered from a capture.
type Stats struct {
	Points      int
	VoltageMin  float64
	VoltageMax  float64
	CurrentMin  float64
	CurrentMax  float64
	CurrentMean float64
	Cycles      int
}

// Report is the state-machine-free reconstruction of a captured session.
type Report struct {
	Commands     []protocol.Frame // host->device, decode order
	Frames       []protocol.Frame // device->host, decode order
	Samples      []protocol.Sample
	DeviceErrors []protocol.DeviceError
	Completed    *protocol.SessionComplete
	HostFaults   []protocol.Fault
	DeviceFaults []protocol.Fault
	Stats        Stats
}

// Analyze runs the frame decoder over both directions of a capture and
// reconstructs the command and telemetry history, including any
// corrupted-frame events the codec flags.
func Analyze(chunks []Chunk) Report {
	var rep Report
	hostDec := protocol.NewDecoder()
	deviceDec := protocol.NewDecoder()

	for _, c := range chunks {
		switch c.Dir {
		case HostToDevice:
			frames, faults := hostDec.Feed(c.Data)
			rep.Commands = append(rep.Commands, frames...)
			rep.HostFaults = append(rep.HostFaults, faults...)
		case DeviceToHost:
			frames, faults := deviceDec.Feed(c.Data)
			rep.Frames = append(rep.Frames, frames...)
			rep.DeviceFaults = append(rep.DeviceFaults, faults...)
		}
	}

	for _, f := range rep.Frames {
		switch fr := f.(type) {
		case protocol.Sample:
			rep.Samples = append(rep.Samples, fr)
		case protocol.DeviceError:
			rep.DeviceErrors = append(rep.DeviceErrors, fr)
		case protocol.SessionComplete:
			done := fr
			rep.Completed = &done
		}
	}

	rep.Stats = computeStats(rep.Samples)
	return rep
}

func computeStats(samples []protocol.Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	st := Stats{
		Points:     len(samples),
		VoltageMin: samples[0].Voltage,
		VoltageMax: samples[0].Voltage,
		CurrentMin: samples[0].Current,
		CurrentMax: samples[0].Current,
	}
	cycles := make(map[uint32]struct{})
	var sum float64
	for _, s := range samples {
		if s.Voltage < st.VoltageMin {
			st.VoltageMin = s.Voltage
		}
		if s.Voltage > st.VoltageMax {
			st.VoltageMax = s.Voltage
		}
		if s.Current < st.CurrentMin {
			st.CurrentMin = s.Current
		}
		if s.Current > st.CurrentMax {
			st.CurrentMax = s.Current
		}
		sum += s.Current
		cycles[s.Cycle] = struct{}{}
	}
	st.CurrentMean = sum / float64(len(samples))
	st.Cycles = len(cycles)
	return st
}
