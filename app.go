package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/navreg/registration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *registration.Config
	Cache      *registration.RegistrationCache
	Service    *Service
	MQTTClient *registration.MQTTClient
	Registry   *prometheus.Registry
	Out        io.Writer

	// CLI flags
	ConfigFile string
	CacheFile  string
	OutputFile string
	Format     string
	HttpPort   int
	MqttMode   bool
	HttpMode   bool

	server *http.Server
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CacheFile = opts.CacheFile
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// alignInput is the file format read by --align. Points are in meters.
type alignInput struct {
	Model  string              `json:"model"`
	Mode   string              `json:"mode"` // "rigid" (default) or "similarity"
	Source []registration.Vec3 `json:"source"`
	Target []registration.Vec3 `json:"target"`
}

// pivotInput is the file format read by --pivot
type pivotInput struct {
	Tool  string                 `json:"tool"`
	Axis  *registration.Vec3     `json:"axis"`
	Poses []registration.Matrix4 `json:"poses"`
	Lines []registration.Line    `json:"lines"`
}

// RunAlign aligns the landmark pairs in a JSON file and prints the result
func (a *App) RunAlign(path string) error {
	var in alignInput
	if err := readJSON(path, &in); err != nil {
		return err
	}

	aligner := registration.LandmarkAligner{Mode: registration.AlignRigid}
	switch strings.ToLower(in.Mode) {
	case "", "rigid":
	case "similarity":
		aligner.Mode = registration.AlignSimilarity
	default:
		return fmt.Errorf("unknown alignment mode %q", in.Mode)
	}

	res, err := aligner.Align(in.Source, in.Target)
	if err != nil {
		return fmt.Errorf("aligning %s: %w", path, err)
	}

	fmt.Fprintf(a.Out, "\nAlignment (%s, %d points)\n", aligner.Mode, res.Points)
	fmt.Fprintln(a.Out, "=========")
	printMatrix(a.Out, res.Transform)
	fmt.Fprintf(a.Out, "Scale:   %.6f\n", res.Scale)
	fmt.Fprintf(a.Out, "FRE:     %.3fmm (%s)\n", res.FRE*1000, res.Quality)
	if res.Collinear {
		fmt.Fprintln(a.Out, "Warning: landmarks are collinear, rotation about their axis is arbitrary")
	}

	if a.OutputFile == "" {
		return nil
	}
	scene := registration.SceneFromAlignment(registration.AlignmentSnapshot{
		Model:     in.Model,
		Alignment: res,
		Source:    in.Source,
		Target:    in.Target,
	}, nil)
	if err := writePlanView(scene, a.OutputFile, a.Format); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Plan view written to %s\n", a.OutputFile)
	return nil
}

// RunPivot solves a pivot calibration from a JSON file. The tip offset is
// stored in the registration cache when the file names a tool.
func (a *App) RunPivot(path string) error {
	var in pivotInput
	if err := readJSON(path, &in); err != nil {
		return err
	}

	axis := registration.Vec3{Z: 1}
	var solver registration.LineSolver
	config, err := registration.LoadConfig(a.ConfigFile)
	switch {
	case err == nil:
		solver.MaxConditionNumber = config.MaxConditionNumber
		if tc := config.GetToolByID(in.Tool); tc != nil {
			axis = tc.GetAxis()
		}
	case !errors.Is(err, fs.ErrNotExist):
		log.Printf("Warning: ignoring config %s: %v", a.ConfigFile, err)
	}
	if in.Axis != nil {
		axis = *in.Axis
	}

	d := registration.NewPointDigitizer(axis)
	d.Solver = solver
	for i, pose := range in.Poses {
		if _, err := d.Record(pose); err != nil {
			return fmt.Errorf("pose %d: %w", i, err)
		}
	}
	for _, l := range in.Lines {
		d.AddLine(l)
	}

	res, err := d.Solve()
	fmt.Fprintf(a.Out, "\nPivot calibration (%d lines)\n", res.Lines)
	fmt.Fprintln(a.Out, "=================")
	if err != nil && !errors.Is(err, registration.ErrIllConditioned) {
		return fmt.Errorf("solving %s: %w", path, err)
	}
	fmt.Fprintf(a.Out, "Point:     (%.4f, %.4f, %.4f) m\n", res.Point.X, res.Point.Y, res.Point.Z)
	fmt.Fprintf(a.Out, "Error:     %.3fmm\n", res.Error*1000)
	fmt.Fprintf(a.Out, "Condition: %.1f\n", res.ConditionNumber)
	if err != nil {
		return fmt.Errorf("solving %s: %w", path, err)
	}

	if len(in.Poses) == 0 {
		return nil
	}
	tip, err := d.TipOffset(res.Point)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Tip:       (%.2f, %.2f, %.2f) mm\n", tip.X*1000, tip.Y*1000, tip.Z*1000)

	if in.Tool == "" || a.CacheFile == "" {
		return nil
	}
	cache, err := registration.LoadRegistrationCache(a.CacheFile)
	if err != nil {
		return err
	}
	if cache == nil {
		cache = registration.NewRegistrationCache()
	}
	cache.SetTipOffset(in.Tool, tip)
	if err := registration.SaveRegistrationCache(a.CacheFile, cache); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Tip offset for %s saved to %s\n", in.Tool, a.CacheFile)
	return nil
}

// setupService loads config and cache and wires MQTT and the service
func (a *App) setupService() error {
	config, err := registration.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	cache, err := registration.LoadRegistrationCache(a.CacheFile)
	if err != nil {
		log.Printf("Warning: Failed to load registration cache %s: %v", a.CacheFile, err)
	} else if cache != nil {
		log.Printf("Loaded registration cache from %s", a.CacheFile)
	} else {
		log.Printf("No registration cache at %s, starting from identity", a.CacheFile)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector())
	metrics := registration.NewMetrics(a.Registry)

	svc, err := NewService(config, cache, metrics)
	if err != nil {
		return err
	}
	svc.CachePath = a.CacheFile
	a.Service = svc
	a.Cache = svc.Cache

	if a.MqttMode {
		client, err := registration.InitMQTT(config, svc.HandlePose)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		client.SetCommandHandler(svc.HandleCommand)
		a.MQTTClient = client
		svc.SetPublisher(registration.NewPublisher(client.GetClient(), config))
		fmt.Fprintln(a.Out, "MQTT registration publisher initialized")
	}
	return nil
}

// RunService runs MQTT and/or HTTP until interrupted
func (a *App) RunService() error {
	if !a.MqttMode && !a.HttpMode {
		return errors.New("nothing to run: pass --mqtt and/or --http")
	}
	if err := a.setupService(); err != nil {
		return err
	}

	if a.HttpMode {
		a.server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Service, a.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.Out, "\nShutting down service...")
	a.shutdown()
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	status := a.Service.Status()
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "Registration: %s driven by %s (%s)\n", status.Method, status.Source, status.State)

	if a.MqttMode {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, tc := range a.Config.Tools {
			fmt.Fprintf(a.Out, "    - %s (%s)\n", tc.Topic, tc.ID)
		}
		fmt.Fprintf(a.Out, "    - %s (commands)\n", registration.CommandTopic(a.Config))
		if p := a.Service.Publisher; p != nil {
			fmt.Fprintf(a.Out, "  Publishing to: %s\n", p.RegistrationTopic(status.Method))
		}
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health                 - Health check")
		fmt.Fprintln(a.Out, "  GET  /registration           - Current registration")
		fmt.Fprintln(a.Out, "  POST /registration/{start,stop,reset}")
		fmt.Fprintln(a.Out, "  POST /digitizer/{record,clear,solve}")
		fmt.Fprintln(a.Out, "  POST /model/{record,compute,reset}")
		fmt.Fprintln(a.Out, "  GET  /landmarks.png, /landmarks.svg")
		fmt.Fprintln(a.Out, "  GET  /stabilization          - Preferred stabilization tool")
		fmt.Fprintln(a.Out, "  GET  /metrics                - Prometheus metrics")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

func (a *App) shutdown() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}

// writePlanView renders scene to path. format is png (raster), svg or vector-png.
func writePlanView(scene registration.LandmarkScene, path, format string) error {
	var render func(io.Writer) error
	switch format {
	case "", "png":
		render = registration.NewLandmarkRenderer(scene).EncodePNG
	case "svg":
		render = registration.NewVectorRenderer(scene).RenderToSVG
	case "vector-png":
		render = registration.NewVectorRenderer(scene).RenderToPNG
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return f.Close()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func printMatrix(w io.Writer, m registration.Matrix4) {
	for r := 0; r < 4; r++ {
		fmt.Fprintf(w, "  [% .6f % .6f % .6f % .6f]\n", m.At(r, 0), m.At(r, 1), m.At(r, 2), m.At(r, 3))
	}
}
