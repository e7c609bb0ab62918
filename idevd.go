package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/provider"
	"github.com/idevmgr/idevd-go/server"
)

const version = "1.0.0"

type simDevices []string

func (i *simDevices) String() string {
	return strings.Join(*i, ",")
}

func (i *simDevices) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func main() {
	var (
		logfile    string
		configPath string
		addr       string
		toolDir    string
		goiosPath  string
		sims       simDevices
		withTools  bool
		steal      bool
		verbose    bool
	)

	flag.StringVar(&logfile, "l", "", "Log into a file, rotating after 20MB")
	flag.StringVar(&configPath, "c", "", "Path to JSON config file")
	flag.StringVar(&addr, "a", "", "Listen address (default 127.0.0.1:21343)")
	flag.StringVar(&toolDir, "b", "", "Directory with libimobiledevice tools. Empty means PATH lookup")
	flag.StringVar(&goiosPath, "g", "", "Path to the go-ios binary. Empty disables the go-ios provider")
	flag.Var(&sims, "s", "Add a simulated device with the given UDID. Can be repeated. Example: idevd -s SIM0001 -s SIM0002")
	flag.BoolVar(&withTools, "u", true, "Use real devices via the libimobiledevice tools. Can be disabled for testing environments. Example: idevd -s SIM0001 -u=false")
	flag.BoolVar(&steal, "steal", false, "Allow a new caller to steal an acquired device by passing its session id")
	flag.BoolVar(&verbose, "v", false, "Write the detailed log to stderr as well")
	flag.Parse()

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(logfile, verbose)

	stderrLogger.Print("idevd is starting.")

	config, err := loadConfig(configPath)
	if err != nil {
		stderrLogger.Fatalf("config: %s", err)
	}
	if addr != "" {
		config.Addr = addr
	}
	if toolDir != "" {
		config.ToolDir = toolDir
	}
	if goiosPath != "" {
		config.GoIOSPath = goiosPath
	}
	config.SimDevices = append(config.SimDevices, sims...)

	var providers []core.Provider
	if withTools {
		longMemoryWriter.Log("initing imobile provider")
		im, err := provider.InitImobile(config.ToolDir, longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("imobile: %s", err)
		}
		providers = append(providers, im)
	}

	if config.GoIOSPath != "" {
		longMemoryWriter.Log("initing goios provider")
		gi, err := provider.InitGoIOS(config.GoIOSPath, longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("goios: %s", err)
		}
		providers = append(providers, gi)
	}

	longMemoryWriter.Log(fmt.Sprintf("simulated device count - %d", len(config.SimDevices)))
	if len(config.SimDevices) > 0 {
		providers = append(providers, provider.InitSim(config.SimDevices))
	}

	if len(providers) == 0 {
		stderrLogger.Fatalf("No providers enabled")
	}

	m := provider.Init(providers...)
	c := core.New(m, longMemoryWriter, steal)

	longMemoryWriter.Log("creating HTTP server")
	s, err := server.New(c, config.Addr, stderrWriter, shortMemoryWriter, longMemoryWriter, version)
	if err != nil {
		stderrLogger.Fatalf("server: %s", err)
	}

	longMemoryWriter.Log("running HTTP server")
	if err := s.Run(); err != nil {
		stderrLogger.Fatalf("server: %s", err)
	}

	longMemoryWriter.Log("main ended successfully")
}
