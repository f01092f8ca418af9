package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/pflag"
)

const (
	envLogfile = "UNISOC_UNLOCK_LOG"
	envDebug   = "UNISOC_UNLOCK_DEBUG"
)

type initOptions struct {
	force       bool
	versionFlag bool

	// from environment, there are no flags for these
	logfile string
	verbose bool
}

func parseFlags(args []string, output io.Writer, getenv func(string) string) (initOptions, error) {
	var options initOptions

	flagSet := pflag.NewFlagSet(programName, pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.BoolVarP(
		&(options.force),
		"force",
		"f",
		false,
		"Force unlock without OEM check",
	)
	flagSet.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flagSet.Usage = func() {
		printUsage(output, flagSet)
	}

	err := flagSet.Parse(args)
	if err != nil {
		return options, err
	}
	if flagSet.NArg() > 0 {
		return options, errUnexpectedArg(flagSet.Arg(0))
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	options.logfile = getenv(envLogfile)
	if v := getenv(envDebug); v != "" {
		options.verbose, err = strconv.ParseBool(v)
		if err != nil {
			return options, fmt.Errorf("%s: %q is not a boolean (use 1/0, true/false)", envDebug, v)
		}
	}
	return options, nil
}

type errUnexpectedArg string

func (e errUnexpectedArg) Error() string {
	return "unexpected argument: " + string(e)
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	_, _ = io.WriteString(w, `Unlock tool for Spreadtrum/Unisoc bootloader.

Sends "flashing unlock" to the one device attached in fastboot mode,
falling back to "oem unlock" when the device refuses it.

Usage:
  `+programName+` --force

Flags:
`)
	_, _ = io.WriteString(w, flagSet.FlagUsages())
	_, _ = io.WriteString(w, `
Environment:
  `+envLogfile+`    write diagnostics to this file, rotating after 5MB
  `+envDebug+`  set to 1 to print the USB trace while running
`)
}
