package main

import (
	"io"
	"log"

	"github.com/unisoc-unlock/unisoc-unlock/internal/logs"
	"gopkg.in/natefinch/lumberjack.v2"
)

func initLoggers(logfile string, verbose bool, stderr io.Writer) (
	stderrWriter io.Writer, // where we write diagnostics (stderr or file)
	stderrLogger *log.Logger, // logger for stderrWriter
	traceWriter *logs.MemoryWriter, // detailed USB trace, dumped on failure
	closeLog func() error,
	err error,
) {
	closeLog = func() error { return nil }
	if logfile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    5, // megabytes
			MaxBackups: 3,
		}
		stderrWriter = rotating
		closeLog = rotating.Close
	} else {
		stderrWriter = stderr
	}

	stderrLogger = log.New(stderrWriter, "", log.LstdFlags)

	verboseWriter := stderrWriter
	if !verbose {
		verboseWriter = nil
	}

	traceWriter, err = logs.NewMemoryWriter(2000, 200, true, verboseWriter)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return stderrWriter, stderrLogger, traceWriter, closeLog, nil
}
