package main

import (
	"fmt"
	"io/ioutil"

	uj "github.com/nanoscopic/ujsonin/v2/mod"
)

const defaultAddr = "127.0.0.1:21343"

// Config holds the file-configurable knobs. Flags override whatever the
// file says; the file just saves typing them on every start.
type Config struct {
	Addr       string
	ToolDir    string   // libimobiledevice binaries; empty means PATH
	GoIOSPath  string   // go-ios binary; empty disables that provider
	SimDevices []string // UDIDs of simulated devices to create
}

func loadConfig(path string) (*Config, error) {
	config := &Config{
		Addr: defaultAddr,
	}
	if path == "" {
		return config, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, _ := uj.Parse(data)
	if root == nil {
		return nil, fmt.Errorf("config: could not parse %s", path)
	}

	if n := root.Get("listen"); n != nil {
		config.Addr = n.String()
	}
	if binPaths := root.Get("bin_paths"); binPaths != nil {
		if n := binPaths.Get("imobile"); n != nil {
			config.ToolDir = n.String()
		}
		if n := binPaths.Get("goios"); n != nil {
			config.GoIOSPath = n.String()
		}
	}
	if n := root.Get("sim"); n != nil {
		n.ForEach(func(dev uj.JNode) {
			config.SimDevices = append(config.SimDevices, dev.String())
		})
	}
	return config, nil
}
