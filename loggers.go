package main

import (
	"io"
	"log"
	"os"

	"github.com/idevmgr/idevd-go/memorywriter"
	"gopkg.in/natefinch/lumberjack.v2"
)

func initLoggers(logfile string, verbose bool) (
	stderrWriter io.Writer, // where we write short messages
	stderrLogger *log.Logger, // logger for stderrWriter
	shortMemoryWriter *memorywriter.MemoryWriter, // what we show on the status page
	longMemoryWriter *memorywriter.MemoryWriter, // what we export as the detailed log
) {
	if logfile != "" {
		stderrWriter = &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
		}
	} else {
		stderrWriter = os.Stderr
	}

	stderrLogger = log.New(stderrWriter, "", log.LstdFlags)

	shortMemoryWriter, err := memorywriter.New(2000, 200, false, nil)
	if err != nil {
		stderrLogger.Fatalf("logger: %s", err)
	}

	// with -v, every detailed log line is echoed to stderr as it happens
	var verboseWriter io.Writer
	if verbose {
		verboseWriter = stderrWriter
	}
	longMemoryWriter, err = memorywriter.New(90000, 200, true, verboseWriter)
	if err != nil {
		stderrLogger.Fatalf("logger: %s", err)
	}

	return
}
