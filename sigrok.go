// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// sigrokCommand is the CLI binary driving the logic analyzers.
const sigrokCommand = "sigrok-cli"

// runCommand abstracts subprocess execution so tests can stub it.
type runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

// execCommand is the real [runCommand] backed by os/exec.
func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// sigrokDriver is the [Driver] for sigrok-cli logic analyzers. Every
// transaction is one subprocess run; there is no persistent handle, so
// Close and Abort rely on the per-run context for cleanup.
type sigrokDriver struct {
	// addr identifies the sigrok device.
	addr SigrokAddress

	// logger is the SLogger to use.
	logger SLogger

	// run executes the CLI; overridable in tests.
	run runCommand

	// mu guards cancel.
	mu sync.Mutex

	// cancel kills the in-flight subprocess, nil when idle.
	cancel context.CancelFunc
}

// newSigrokDriver creates the sigrok [Driver] for addr.
//
// The cfg argument contains the common configuration for comsrv components.
func newSigrokDriver(cfg *Config, addr SigrokAddress) *sigrokDriver {
	return &sigrokDriver{
		addr:   addr,
		logger: cfg.Logger,
		run:    execCommand,
	}
}

var _ Driver[SigrokRequest, SigrokResponse] = &sigrokDriver{}

// Transact implements [Driver].
//
// A subprocess run has no observable commit point, so failures report
// committed=true and are never auto-retried.
func (d *sigrokDriver) Transact(ctx context.Context, req SigrokRequest) (SigrokResponse, bool, error) {
	if req.ReadData == nil {
		return SigrokResponse{}, false, Argumentf("sigrok", "empty sigrok request")
	}
	acquire := *req.ReadData
	if acquire.Samples == 0 {
		return SigrokResponse{}, false, Argumentf("sigrok", "samples must be positive")
	}

	args := []string{
		"-d", d.addr.Device,
		"--samples", fmt.Sprintf("%d", acquire.Samples),
		"-O", "csv",
	}
	if acquire.SampleRate > 0 {
		args = append(args, "--config", fmt.Sprintf("samplerate=%d", acquire.SampleRate))
	}
	if len(acquire.Channels) > 0 {
		args = append(args, "--channels", strings.Join(acquire.Channels, ","))
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	output, err := d.run(runCtx, sigrokCommand, args...)
	if err != nil {
		return SigrokResponse{}, true, WrapTransport("sigrok-cli", err)
	}
	data, err := parseSigrokCSV(output, acquire.SampleRate)
	if err != nil {
		return SigrokResponse{}, true, err
	}
	return SigrokResponse{Data: data}, true, nil
}

// parseSigrokCSV decodes sigrok-cli CSV output: comment lines starting
// with ';', one header line naming the channels, then one row per
// sample with a 0/1 column per channel.
func parseSigrokCSV(output []byte, sampleRate uint64) (*SigrokData, error) {
	var names []string
	channels := map[string]ByteArray{}
	samples := uint64(0)
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Split(line, ",")
		if names == nil {
			names = make([]string, 0, len(fields))
			for idx, field := range fields {
				name := strings.TrimSpace(field)
				if name == "" {
					name = fmt.Sprintf("D%d", idx)
				}
				names = append(names, name)
			}
			continue
		}
		if len(fields) != len(names) {
			return nil, Protocolf("sigrok", "row with %d columns, expected %d", len(fields), len(names))
		}
		for idx, field := range fields {
			value := strings.TrimSpace(field)
			if value != "0" && value != "1" {
				return nil, Protocolf("sigrok", "non-binary sample %q", value)
			}
			channels[names[idx]] = append(channels[names[idx]], value[0]-'0')
		}
		samples++
	}
	tsample := 0.0
	if sampleRate > 0 {
		tsample = 1.0 / float64(sampleRate)
	}
	return &SigrokData{TSample: tsample, Length: samples, Channels: channels}, nil
}

// ListSigrokDevices runs a device scan and returns one description line
// per device.
func ListSigrokDevices(ctx context.Context, run runCommand) ([]string, error) {
	if run == nil {
		run = execCommand
	}
	output, err := run(ctx, sigrokCommand, "--scan")
	if err != nil {
		return nil, WrapTransport("sigrok-cli", err)
	}
	devices := []string{}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			// Skip the "The following devices were found:" banner.
			continue
		}
		devices = append(devices, line)
	}
	return devices, nil
}

// Abort implements [Driver]: kill the in-flight subprocess.
func (d *sigrokDriver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Close implements [Driver]. There is no persistent handle.
func (d *sigrokDriver) Close() error {
	return nil
}
