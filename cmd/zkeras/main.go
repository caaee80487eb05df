package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/config"
	"github.com/zerfoo/zkeras/pkg/converter"
	"github.com/zerfoo/zkeras/pkg/downloader"
	"github.com/zerfoo/zkeras/pkg/importer"
	"github.com/zerfoo/zkeras/pkg/inspector"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/quantization"
)

const logFileName = "zkeras-converter.log"

func main() {
	logFile, err := os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := logFile.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", cerr)
		}
	}()
	logrus.SetOutput(logFile)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	handleErr(run(os.Args[1], os.Args[2:]))
}

// run dispatches one subcommand.
func run(command string, args []string) error {
	var err error
	switch command {
	case "convert":
		err = handleConvert(args)
	case "quantize":
		err = handleQuantize(args)
	case "dequantize":
		err = handleDequantize(args)
	case "inspect":
		err = handleInspect(args)
	case "download":
		err = handleDownload(args)
	case "version":
		fmt.Printf("%s %s\n", program.ProducerName, program.ProducerVersion)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

// shapeFlags collects repeated -input-shape name=d0,d1,... values.
type shapeFlags map[string]keras.Shape

func (s shapeFlags) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + s[name].String()
	}
	return strings.Join(parts, " ")
}

func (s shapeFlags) Set(v string) error {
	name, shape, err := config.ParseInputShape(v)
	if err != nil {
		return err
	}
	s[name] = shape
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func setVerbosity(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func handleConvert(args []string) error {
	convertCmd := flag.NewFlagSet("convert", flag.ContinueOnError)
	outputFile := convertCmd.String("output", "", "Path for the converted ZMF file. (optional)")
	profilePath := convertCmd.String("config", "", "YAML conversion profile. Flags override its values. (optional)")
	shapes := shapeFlags{}
	convertCmd.Var(shapes, "input-shape", "Input shape override name=d0,d1,... with None for unbound axes. Repeatable.")
	inputNames := convertCmd.String("input-names", "", "Comma separated program input names")
	outputNames := convertCmd.String("output-names", "", "Comma separated program output names")
	imageInputs := convertCmd.String("image-input-names", "", "Comma separated inputs that take images")
	isBGR := convertCmd.Bool("is-bgr", false, "Image inputs use BGR channel order")
	imageScale := convertCmd.Float64("image-scale", 0, "Scale applied to image inputs")
	classLabels := convertCmd.String("class-labels", "", "File with one class label per line; makes a classifier")
	customLayers := convertCmd.Bool("add-custom-layers", false, "Emit custom records for unsupported layers")
	respectTrainable := convertCmd.Bool("respect-trainable", false, "Mark trainable layers updatable")
	nbits := convertCmd.Int("nbits", 0, "Quantize weights to 1-8 or 16 bits after converting")
	mode := convertCmd.String("mode", "", "Quantization mode: "+modeList())
	verbose := convertCmd.Bool("v", false, "Debug logging")

	if err := convertCmd.Parse(args); err != nil {
		return err
	}
	setVerbosity(*verbose)
	modelDir := convertCmd.Arg(0)
	if modelDir == "" {
		convertCmd.Usage()
		return errors.New("model directory is required for 'convert' command")
	}

	profile := &config.Profile{}
	if *profilePath != "" {
		var err error
		if profile, err = config.Load(*profilePath); err != nil {
			return err
		}
	}
	opts := profile.ConverterOptions()
	convertCmd.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input-names":
			opts.InputNames = splitList(*inputNames)
		case "output-names":
			opts.OutputNames = splitList(*outputNames)
		case "image-input-names":
			opts.ImageInputNames = splitList(*imageInputs)
		case "is-bgr":
			opts.IsBGR = *isBGR
		case "image-scale":
			opts.ImageScale = float32(*imageScale)
		case "class-labels":
			opts.ClassLabelsPath = *classLabels
		case "add-custom-layers":
			opts.AddCustomLayers = *customLayers
		case "respect-trainable":
			opts.RespectTrainable = *respectTrainable
		}
	})
	for name, s := range shapes {
		if opts.InputShapes == nil {
			opts.InputShapes = map[string]keras.Shape{}
		}
		opts.InputShapes[name] = s
	}
	log := logrus.WithField("command", "convert")
	opts.Log = log

	q := profile.Quantization
	if *nbits != 0 || *mode != "" {
		if q == nil {
			q = &config.Quantization{}
		}
		if *nbits != 0 {
			q.NBits = *nbits
		}
		if *mode != "" {
			q.Mode = *mode
		}
	}

	fmt.Printf("Converting Keras model from: %s\n", modelDir)
	model, err := importer.Load(modelDir)
	if err != nil {
		return err
	}
	p, err := converter.Convert(model, opts)
	if err != nil {
		return err
	}
	if q != nil {
		if err := quantize(p, q, log); err != nil {
			return err
		}
	}

	if *outputFile == "" {
		*outputFile = model.Name + ".zmf"
	}
	if err := program.Save(p, *outputFile); err != nil {
		return err
	}
	fmt.Printf("Successfully converted and saved model to: %s\n", *outputFile)
	return nil
}

func quantize(p *program.Program, q *config.Quantization, log *logrus.Entry) error {
	n, mode, qopts, err := q.Options()
	if err != nil {
		return err
	}
	qopts = append(qopts, quantization.WithLogger(log))
	if err := quantization.Quantize(p, n, mode, qopts...); err != nil {
		return err
	}
	if n == 16 {
		fmt.Println("Converted weights to half precision")
	} else {
		fmt.Printf("Quantized weights to %d bits (%s)\n", n, mode)
	}
	return nil
}

func modeList() string {
	modes := make([]string, len(quantization.Modes))
	for i, m := range quantization.Modes {
		modes[i] = string(m)
	}
	return strings.Join(modes, ", ")
}

// derivedPath names an output next to input with suffix in place of the
// extension.
func derivedPath(input, suffix string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + suffix
}

func handleQuantize(args []string) error {
	quantizeCmd := flag.NewFlagSet("quantize", flag.ContinueOnError)
	outputFile := quantizeCmd.String("output", "", "Path for the quantized ZMF file. (optional)")
	nbits := quantizeCmd.Int("nbits", 8, "Bits per weight: 1-8, or 16 for half precision")
	mode := quantizeCmd.String("mode", string(quantization.ModeLinear), "Quantization mode: "+modeList())
	skip := quantizeCmd.String("skip", "", "Comma separated record kinds left in float")
	verbose := quantizeCmd.Bool("v", false, "Debug logging")

	if err := quantizeCmd.Parse(args); err != nil {
		return err
	}
	setVerbosity(*verbose)
	inputFile := quantizeCmd.Arg(0)
	if inputFile == "" {
		quantizeCmd.Usage()
		return errors.New("input file is required for 'quantize' command")
	}
	if *outputFile == "" {
		*outputFile = derivedPath(inputFile, fmt.Sprintf("_%dbit.zmf", *nbits))
	}

	p, err := program.Load(inputFile)
	if err != nil {
		return err
	}
	q := &config.Quantization{NBits: *nbits, Mode: *mode, SkipKinds: splitList(*skip)}
	if err := quantize(p, q, logrus.WithField("command", "quantize")); err != nil {
		return err
	}
	if err := program.Save(p, *outputFile); err != nil {
		return err
	}
	fmt.Printf("Successfully saved quantized model to: %s\n", *outputFile)
	return nil
}

func handleDequantize(args []string) error {
	dequantizeCmd := flag.NewFlagSet("dequantize", flag.ContinueOnError)
	outputFile := dequantizeCmd.String("output", "", "Path for the float ZMF file. (optional)")
	verbose := dequantizeCmd.Bool("v", false, "Debug logging")

	if err := dequantizeCmd.Parse(args); err != nil {
		return err
	}
	setVerbosity(*verbose)
	inputFile := dequantizeCmd.Arg(0)
	if inputFile == "" {
		dequantizeCmd.Usage()
		return errors.New("input file is required for 'dequantize' command")
	}
	if *outputFile == "" {
		*outputFile = derivedPath(inputFile, "_float.zmf")
	}

	p, err := program.Load(inputFile)
	if err != nil {
		return err
	}
	if err := quantization.Dequantize(p, quantization.WithLogger(logrus.WithField("command", "dequantize"))); err != nil {
		return err
	}
	if err := program.Save(p, *outputFile); err != nil {
		return err
	}
	fmt.Printf("Successfully saved dequantized model to: %s\n", *outputFile)
	return nil
}

func handleInspect(args []string) error {
	inspectCmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fileType := inspectCmd.String("type", "", "Type of model to inspect: 'keras' or 'zmf'")

	if err := inspectCmd.Parse(args); err != nil {
		return err
	}
	inputPath := inspectCmd.Arg(0)
	if inputPath == "" {
		inspectCmd.Usage()
		return errors.New("input path is required for 'inspect' command")
	}

	detectedType := strings.ToLower(*fileType)
	if detectedType == "" {
		if info, err := os.Stat(inputPath); err == nil && info.IsDir() {
			detectedType = "keras"
		} else if strings.EqualFold(filepath.Ext(inputPath), ".zmf") {
			detectedType = "zmf"
		} else {
			return fmt.Errorf("could not infer model type of '%s', pass -type", inputPath)
		}
	}

	switch detectedType {
	case "keras":
		return inspector.InspectKeras(inputPath)
	case "zmf":
		return inspector.InspectZMF(inputPath)
	}
	return fmt.Errorf("unsupported model type '%s', must be 'keras' or 'zmf'", detectedType)
}

func handleDownload(args []string) error {
	downloadCmd := flag.NewFlagSet("download", flag.ContinueOnError)
	modelID := downloadCmd.String("model", "", "Hub model ID (e.g., 'keras-io/mnist-convnet')")
	outputPath := downloadCmd.String("output", ".", "Output directory for downloaded files")
	apiKey := downloadCmd.String("api-key", "", "Optional hub API key; defaults to HF_API_KEY")
	verbose := downloadCmd.Bool("v", false, "Debug logging")

	if err := downloadCmd.Parse(args); err != nil {
		return err
	}
	setVerbosity(*verbose)
	if *modelID == "" {
		downloadCmd.Usage()
		return errors.New("-model flag is required for 'download' command")
	}

	d := downloader.NewDownloader(downloader.NewHubSource().WithToken(*apiKey))

	fmt.Printf("Downloading model '%s' to '%s'...\n", *modelID, *outputPath)
	result, err := d.Download(*modelID, *outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Successfully downloaded model config to: %s\n", result.ConfigPath)
	fmt.Println("Downloaded weight files:")
	for _, p := range result.WeightPaths {
		fmt.Printf("  - %s\n", p)
	}
	for _, p := range result.LabelPaths {
		fmt.Printf("Downloaded class labels: %s\n", p)
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: zkeras <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  convert [-output <file.zmf>] [-config <profile.yaml>] [-input-shape name=d0,d1,...] [-nbits <n> -mode <mode>] <model-dir>")
	fmt.Println("  quantize [-nbits <n>] [-mode <mode>] [-skip <kinds>] [-output <file.zmf>] <input-file.zmf>")
	fmt.Println("  dequantize [-output <file.zmf>] <input-file.zmf>")
	fmt.Println("  inspect [-type <keras|zmf>] <model-dir | input-file.zmf>")
	fmt.Println("  download -model <hub-model-id> [-output <output-directory>] [-api-key <key> | HF_API_KEY=<key>]")
	fmt.Println("  version")
}

func handleErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
