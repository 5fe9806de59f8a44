package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tsawler/sleepstage/project"
	"github.com/tsawler/sleepstage/training"
)

// Config holds the environment-driven settings. Flags override env values
// where both exist.
type Config struct {
	ProjectDir  string `env:"SLEEPSTAGE_PROJECT_DIR"`
	LogDir      string `env:"SLEEPSTAGE_LOG_DIR"`
	MetricsPort int    `env:"SLEEPSTAGE_METRICS_PORT"`
}

func (c *Config) logfile(projectDir, name string) string {
	dir := c.LogDir
	if dir == "" {
		dir = project.LogDir(projectDir)
	}
	return filepath.Join(dir, name)
}

// stringList collects repeated or comma-separated flag values.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func loadEnvFile(path string) {
	if path == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}
	log.Printf("loading env from file %s", path)
	if err := godotenv.Load(path); err != nil {
		log.Fatalf("error loading .env file '%s': %v", path, err)
	}
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	writer := io.MultiWriter(logFile, os.Stderr)
	log.SetOutput(writer)
	slog.SetDefault(slog.New(slog.NewTextHandler(writer, nil)))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func main() {
	var (
		envFile    string
		projectDir string
		logFile    string
		datasets   stringList
		channels   stringList
		args       training.Args
	)

	flag.StringVar(&envFile, "env", "", "Path to a .env file to load before parsing the environment")
	flag.StringVar(&projectDir, "project_dir", "", "Project directory (defaults to SLEEPSTAGE_PROJECT_DIR, then the working directory)")
	flag.StringVar(&logFile, "log_file", "training.log", "Log file name inside the project log directory")

	flag.Var(&datasets, "datasets", "Dataset ids to train on (repeatable or comma-separated; default all configured)")
	flag.Var(&channels, "channels", "Channel names overriding every dataset's channel selection")
	flag.BoolVar(&args.NoVal, "no_val", false, "Skip validation entirely")
	flag.BoolVar(&args.TrainOnVal, "train_on_val", false, "Merge validation studies into the training collection")
	flag.IntVar(&args.Just, "just", 0, "Keep only N random studies per dataset (0 keeps all)")

	flag.StringVar(&args.TrainQueueType, "train_queue_type", "eager", "Training queue type: eager, lazy or limitation")
	flag.StringVar(&args.ValQueueType, "val_queue_type", "lazy", "Validation queue type: eager, lazy or limitation")
	flag.IntVar(&args.MaxLoadedPerDataset, "max_loaded_per_dataset", 40, "Studies kept resident per dataset under the limitation queue")
	flag.IntVar(&args.NumAccessBeforeReload, "num_access_before_reload", 32, "Accesses before a resident study rotates out under the limitation queue")
	flag.BoolVar(&args.Preprocessed, "preprocessed", false, "Stream studies from the consolidated pre-processed store")

	flag.BoolVar(&args.ContinueTraining, "continue_training", false, "Resume from the latest checkpoint in the model directory")
	flag.StringVar(&args.InitializeFrom, "initialize_from", "", "Initialize model weights from a saved weights file")
	flag.BoolVar(&args.Overwrite, "overwrite", false, "Purge model and log artifacts from a previous session")

	flag.IntVar(&args.NEpochs, "n_epochs", 0, "Override the configured epoch count (0 keeps the configured value)")
	flag.IntVar(&args.MaxTrainSamplesPerEpoch, "max_train_samples_per_epoch", 500000, "Cap on periods sampled per training epoch")
	flag.StringVar(&args.FinalWeightsFileName, "final_weights_file_name", "model_weights.json", "File name for the final weights inside the model directory")

	flag.IntVar(&args.NumDevices, "num_devices", 0, "Exact accelerator device count to require (0 selects CPU)")
	flag.StringVar(&args.ForceDevices, "force_devices", "", "Comma-separated device ids overriding the visible set")
	flag.Int64Var(&args.Seed, "seed", 0, "Random seed (0 selects a time-based seed)")
	flag.Parse()

	loadEnvFile(envFile)

	var config Config
	if err := env.Parse(&config); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if projectDir == "" {
		projectDir = config.ProjectDir
	}
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("error resolving working directory: %v", err)
		}
		projectDir = wd
	}

	args.Datasets = datasets
	args.Channels = channels
	args.MetricsPort = config.MetricsPort

	sess := training.NewSession(projectDir, args)
	if err := sess.Prepare(); err != nil {
		log.Fatalf("error preparing session: %v", err)
	}

	// A fresh session truncates the log; a resumed one appends to it.
	mode := os.O_CREATE | os.O_RDWR | os.O_TRUNC
	if args.ContinueTraining {
		mode = os.O_CREATE | os.O_RDWR | os.O_APPEND
	}
	logPath := config.logfile(projectDir, logFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		log.Fatalf("error creating log directory: %v", err)
	}
	f, err := os.OpenFile(logPath, mode, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	initLogging(f)
	slog.Info("training session starting", "run_id", sess.RunID(), "project_dir", projectDir)

	if err := sess.Run(); err != nil {
		slog.Error("training session failed", "run_id", sess.RunID(), "error", err)
		os.Exit(1)
	}
	slog.Info("training session complete", "run_id", sess.RunID())
}
