package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/unisoc-unlock/unisoc-unlock/core"
	"github.com/unisoc-unlock/unisoc-unlock/internal/logs"
	"github.com/unisoc-unlock/unisoc-unlock/usb"
)

const (
	programName = "unisoc-unlock"
	version     = "0.1.0"
)

type environment struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// opens the device bus; the returned func releases it
	initBus func(log *logs.Logger) (core.Bus, func(), error)
}

func initUSB(log *logs.Logger) (core.Bus, func(), error) {
	b, err := usb.InitBus(log)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

func main() {
	os.Exit(run(os.Args[1:], environment{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		getenv:  os.Getenv,
		initBus: initUSB,
	}))
}

func run(args []string, env environment) int {
	options, err := parseFlags(args, env.stderr, env.getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(env.stderr, "%s: %s\n", programName, err)
		return 2
	}

	if options.versionFlag {
		fmt.Fprintf(env.stdout, "%s %s\n", programName, version)
		return 0
	}

	if !options.force {
		fmt.Fprintln(env.stdout, "Please use --force flag for unlock attempt")
		return 1
	}

	stderrWriter, stderrLogger, traceWriter, closeLog, err := initLoggers(
		options.logfile,
		options.verbose,
		env.stderr,
	)
	if err != nil {
		fmt.Fprintf(env.stderr, "writer: %s\n", err)
		return 1
	}
	defer closeLog()

	stderrLogger.Printf("%s %s is starting.", programName, version)
	log := &logs.Logger{Writer: traceWriter}

	ok := unlock(env, log)
	if !ok && !options.verbose {
		stderrLogger.Print("USB trace follows")
		_, _ = traceWriter.WriteTo(stderrWriter)
	}
	if !ok {
		return 1
	}
	return 0
}

func unlock(env environment, log *logs.Logger) bool {
	fmt.Fprintln(env.stdout, "Using forced unlock method...")
	fmt.Fprintln(env.stdout, "Attempting to unlock bootloader...")

	bus, closeBus, err := env.initBus(log)
	if err != nil {
		fmt.Fprintf(env.stderr, "Could not connect to device: %s\n", err)
		return false
	}
	defer closeBus()

	outcome, err := core.Unlock(context.Background(), bus, core.WithLogger(log))

	if err != nil && outcome.PrimaryErr == nil {
		// nothing was sent, the device was never opened
		if errors.Is(err, core.ErrDeviceNotFound) {
			fmt.Fprintf(env.stderr, "No device found: %s\n", err)
		} else {
			fmt.Fprintf(env.stderr, "Could not connect to device: %s\n", err)
		}
		return false
	}

	if outcome.Unlocked && outcome.Via == core.ViaPrimary {
		fmt.Fprintln(env.stdout, "Bootloader unlocked successfully!")
		return true
	}

	fmt.Fprintf(env.stdout, "Error during unlock: %s\n", outcome.PrimaryErr)
	if outcome.Unlocked {
		fmt.Fprintln(env.stdout, "Bootloader unlocked via OEM command!")
		return true
	}
	log.Log(fmt.Sprintf("unlock failed: %s", outcome.Err()))
	if outcome.FallbackErr == nil {
		fmt.Fprintf(env.stderr, "Device stopped responding, OEM unlock not attempted: %s\n", err)
		return false
	}
	fmt.Fprintf(env.stdout, "OEM unlock failed: %s\n", outcome.FallbackErr)
	return false
}
