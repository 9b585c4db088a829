package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/navreg/registration"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line settings
type AppOptions struct {
	ConfigFile string
	CacheFile  string
	AlignFile  string
	PivotFile  string
	OutputFile string
	Format     string
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// runner is implemented by App; tests substitute a mock
type runner interface {
	ApplyOptions(opts AppOptions)
	RunAlign(path string) error
	RunPivot(path string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app runner) error {
	fs := flag.NewFlagSet("navreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.CacheFile, "cache", registration.DefaultRegistrationCachePath, "Path to registration cache file")
	fs.StringVar(&opts.AlignFile, "align", "", "Align the landmark pairs in a JSON file and exit")
	fs.StringVar(&opts.PivotFile, "pivot", "", "Solve a pivot calibration from tool poses in a JSON file and exit")
	fs.StringVar(&opts.OutputFile, "output", "", "Write a plan view of the --align result to this file")
	fs.StringVar(&opts.Format, "format", "png", "Plan view format: png, svg or vector-png")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Receive tool poses over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable the HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 4040, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "navreg version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.AlignFile != "":
		return app.RunAlign(opts.AlignFile)
	case opts.PivotFile != "":
		return app.RunPivot(opts.PivotFile)
	}

	fmt.Fprintln(out, "navreg service starting...")
	return app.RunService()
}
