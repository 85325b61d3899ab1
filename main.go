package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line into the application.
type AppOptions struct {
	ConfigFile   string
	SnapshotFile string
	Chunk        string

	Apply  bool
	Strict bool

	RefChunk    string
	TargetChunk string

	MarkersFile   string
	ImportRefFile string
	PreviewPNG    string
	PreviewSVG    string
	GeoJSONFile   string
	UnalignedFile string
	ReferenceFile string

	ServeAddr string
}

// application is the mode surface run dispatches to. *App implements it;
// tests substitute a mock.
type application interface {
	ApplyOptions(opts AppOptions)
	RunStats()
	RunFilter()
	RunAlign()
	RunTransfer()
	RunDuplicates()
	RunDistribution()
	RunImportMarkers()
	RunImportReference()
	RunExport()
	RunWorkflow()
	RunService()
}

// run parses the command line, applies the options and dispatches to the
// selected mode. Returns an error only for flag parsing problems; mode
// failures terminate the process from inside the App.
func run(args []string, out io.Writer, app application) error {
	fs := flag.NewFlagSet("metashape-tools", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	snapshotFile := fs.String("snapshot", "", "Chunk snapshot JSON file (offline mode, no bridge connection)")
	chunk := fs.String("chunk", "", "Chunk key to operate on (default: first chunk)")
	stats := fs.Bool("stats", false, "Print quality metrics for the chunk and exit")
	filterMode := fs.Bool("filter", false, "Evaluate the point filter and print decisions")
	apply := fs.Bool("apply", false, "With -filter: invalidate discarded points on the host")
	align := fs.Bool("align", false, "Run incremental alignment on the chunk")
	transfer := fs.Bool("transfer", false, "Transfer camera poses between chunks (needs -ref and -target)")
	refChunk := fs.String("ref", "", "Reference chunk key for -transfer")
	targetChunk := fs.String("target", "", "Target chunk key for -transfer")
	duplicates := fs.Bool("duplicates", false, "List duplicate camera labels and exit")
	distribution := fs.Bool("distribution", false, "Print per-camera tie point distribution")
	importMarkers := fs.String("import-markers", "", "Apply marker projections from a CSV file")
	importReference := fs.String("import-reference", "", "Apply surveyed camera locations from a CSV file")
	strict := fs.Bool("strict", false, "Fail on unknown camera labels instead of skipping them")
	previewPNG := fs.String("preview", "", "Write a raster preview of the chunk to this PNG file")
	previewSVG := fs.String("preview-svg", "", "Write a vector preview of the chunk to this SVG file")
	exportGeoJSON := fs.String("export-geojson", "", "Write filter decisions as GeoJSON to this file")
	exportUnaligned := fs.String("export-unaligned", "", "Write unaligned camera labels as CSV to this file")
	exportReference := fs.String("export-reference", "", "Write estimated camera poses as reference CSV to this file")
	workflow := fs.Bool("run", false, "Run the full workflow over every chunk and exit")
	serveAddr := fs.String("serve", "", "Run the status server on this address (e.g. :8080)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "metashape-tools version: %s\n", Version)
	if *showVersion {
		return nil
	}

	app.ApplyOptions(AppOptions{
		ConfigFile:    *configFile,
		SnapshotFile:  *snapshotFile,
		Chunk:         *chunk,
		Apply:         *apply,
		Strict:        *strict,
		RefChunk:      *refChunk,
		TargetChunk:   *targetChunk,
		MarkersFile:   *importMarkers,
		ImportRefFile: *importReference,
		PreviewPNG:    *previewPNG,
		PreviewSVG:    *previewSVG,
		GeoJSONFile:   *exportGeoJSON,
		UnalignedFile: *exportUnaligned,
		ReferenceFile: *exportReference,
		ServeAddr:     *serveAddr,
	})

	switch {
	case *stats:
		app.RunStats()
	case *filterMode:
		app.RunFilter()
	case *align:
		app.RunAlign()
	case *transfer:
		app.RunTransfer()
	case *duplicates:
		app.RunDuplicates()
	case *distribution:
		app.RunDistribution()
	case *importMarkers != "":
		app.RunImportMarkers()
	case *importReference != "":
		app.RunImportReference()
	case *previewPNG != "" || *previewSVG != "" || *exportGeoJSON != "" ||
		*exportUnaligned != "" || *exportReference != "":
		app.RunExport()
	case *workflow:
		app.RunWorkflow()
	case *serveAddr != "":
		app.RunService()
	default:
		fmt.Fprintln(out, "No mode selected")
		fmt.Fprintln(out, "Use -stats to print chunk quality metrics")
		fmt.Fprintln(out, "Use -filter to evaluate the point filter (-apply to commit)")
		fmt.Fprintln(out, "Use -align to run incremental alignment on a chunk")
		fmt.Fprintln(out, "Use -transfer -ref A -target B to transfer camera poses")
		fmt.Fprintln(out, "Use -duplicates to list duplicate camera labels")
		fmt.Fprintln(out, "Use -preview out.png to render a chunk preview")
		fmt.Fprintln(out, "Use -run to process every chunk once")
		fmt.Fprintln(out, "Use -serve :8080 to run the status server")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - bridge, filter, alignment and report settings")
		fmt.Fprintln(out, "\nRun with -h for the full flag reference")
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}
}
